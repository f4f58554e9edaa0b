//go:build mage

// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package main

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	daemon "github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ── Namespaces ────────────────────────────────────────────────────────────────

type Build mg.Namespace // build:all  build:fips
type Test mg.Namespace  // test:unit  test:race  test:cover
type Dev mg.Namespace   // dev:check  dev:tidy  dev:clean  dev:container

// binaries are built from ./cmd/<name>.
var binaries = []string{"cluster-ca", "cluster-ca-ctl"}

// ── Helpers ───────────────────────────────────────────────────────────────────

func ensureBinDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", err
	}
	return binDir, nil
}

func buildAll(env map[string]string, ext string) error {
	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}
	for _, b := range binaries {
		if err := sh.RunWithV(env, "go", "build",
			"-o", filepath.Join(binDir, b+ext),
			"./cmd/"+b); err != nil {
			return err
		}
	}
	return nil
}

// ── build:* ───────────────────────────────────────────────────────────────────

// All compiles both binaries (cluster-ca and cluster-ca-ctl) to bin/.
func (Build) All() error {
	fmt.Println("Building...")
	ext := ""
	if runtime.GOOS == "windows" {
		ext = ".exe"
	}
	return buildAll(map[string]string{"CGO_ENABLED": "0"}, ext)
}

// FIPS compiles both binaries with GOEXPERIMENT=boringcrypto for FIPS
// compliance (Linux/amd64 only).
func (Build) FIPS() error {
	fmt.Println("Building FIPS compliant binaries...")

	targetOS := os.Getenv("GOOS")
	if targetOS == "windows" || (targetOS == "" && runtime.GOOS == "windows") {
		fmt.Println("WARNING: FIPS mode (boringcrypto) requires Linux; cross-compiling LINUX binaries.")
	}

	return buildAll(map[string]string{
		"GOEXPERIMENT": "boringcrypto",
		"CGO_ENABLED":  "1",
		"GOOS":         "linux",
		"GOARCH":       "amd64",
	}, "")
}

// ── test:* ────────────────────────────────────────────────────────────────────

// Unit runs the unit test suites.
// internal/testutil is excluded (test helpers verified transitively).
func (Test) Unit() error {
	fmt.Println("Running unit tests...")
	return sh.RunV("go", "test", "-v",
		"./internal/api/...",
		"./internal/ca/...",
		"./internal/cluster/...",
		"./internal/expiry/...",
		"./internal/ledger/...",
		"./internal/storage/...",
		"./internal/transfer/...",
		"./cmd/...",
	)
}

// Race runs every suite under the race detector. The lock and issuance
// tests start concurrent callers on one store.
func (Test) Race() error {
	fmt.Println("Running tests with -race...")
	return sh.RunWithV(map[string]string{"CGO_ENABLED": "1"}, "go", "test", "-race", "./...")
}

// Cover writes a coverage profile to bin/coverage.out and prints the total.
func (Test) Cover() error {
	binDir, err := ensureBinDir()
	if err != nil {
		return err
	}
	profile := filepath.Join(binDir, "coverage.out")
	if err := sh.RunV("go", "test", "-coverprofile", profile, "./..."); err != nil {
		return err
	}
	out, err := sh.Output("go", "tool", "cover", "-func", profile)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fmt.Println(lines[len(lines)-1])
	return nil
}

// ── dev:* ─────────────────────────────────────────────────────────────────────

// Check verifies formatting, runs go vet, and checks go mod tidy.
// Unlike `go fmt`, gofmt -l prints unformatted files and exits 0 without
// rewriting them; we treat any output as a failure so CI catches drift.
func (Dev) Check() error {
	mg.Deps(Dev{}.Tidy)
	fmt.Println("Running verify...")
	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("these files need formatting (run 'go fmt ./...'):\n%s", out)
	}
	return sh.Run("go", "vet", "./...")
}

// Tidy runs go mod tidy.
func (Dev) Tidy() error {
	fmt.Println("Tidying modules...")
	return sh.Run("go", "mod", "tidy")
}

// Clean removes the bin/ directory.
func (Dev) Clean() error {
	fmt.Println("Cleaning...")
	return sh.Rm("bin")
}

// Container creates a minimal scratch OCI image holding the signing server
// and the operator CLI, and loads it into the local Docker / Podman daemon.
// The server bootstraps the CA in /data on first start.
//
// Configuration (via environment variables):
//
//	IMAGE_NAME   Target tag       (default: cluster-ca:latest)
//	BINARY_PATH  Server binary    (default: ./bin/cluster-ca)
//	CTL_PATH     CLI binary       (default: ./bin/cluster-ca-ctl)
func (Dev) Container() error {
	mg.Deps(Build{}.All)

	cfg := ContainerConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("config parse failed: %w", err)
	}
	fmt.Printf("Building '%s' (binary: %s)...\n", cfg.Image, cfg.Binary)

	binLayer, err := tarLayer(map[string]string{"/app": cfg.Binary, "/ctl": cfg.Ctl}, nil)
	if err != nil {
		return fmt.Errorf("failed to package binaries: %w", err)
	}

	dirLayer, err := tarLayer(nil, []string{"/data"})
	if err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	img, err := mutate.AppendLayers(empty.Image, binLayer, dirLayer)
	if err != nil {
		return fmt.Errorf("image mutation failed: %w", err)
	}

	img, err = mutate.Config(img, v1.Config{
		Entrypoint:   []string{"/app"},
		Cmd:          []string{"--cadir", "/data", "--init"},
		Env:          []string{"CLUSTER_CA_CTL_CADIR=/data"},
		ExposedPorts: map[string]struct{}{"8443/tcp": {}},
	})
	if err != nil {
		return fmt.Errorf("failed to set image config: %w", err)
	}

	tag, err := name.NewTag(cfg.Image)
	if err != nil {
		return err
	}

	if _, err := daemon.Write(tag, img); err != nil {
		return fmt.Errorf("failed to load to daemon: %w", err)
	}

	fmt.Println("Success! Image loaded.")
	return nil
}

// ── types and helpers ─────────────────────────────────────────────────────────

type ContainerConfig struct {
	Image  string `env:"IMAGE_NAME" envDefault:"cluster-ca:latest"`
	Binary string `env:"BINARY_PATH" envDefault:"./bin/cluster-ca"`
	Ctl    string `env:"CTL_PATH" envDefault:"./bin/cluster-ca-ctl"`
}

func tarLayer(files map[string]string, dirs []string) (v1.Layer, error) {
	b := new(bytes.Buffer)
	tw := tar.NewWriter(b)

	for _, dir := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: dir, Mode: 0750, Typeflag: tar.TypeDir}); err != nil {
			return nil, err
		}
	}

	for dest, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		if err := tw.WriteHeader(&tar.Header{Name: dest, Mode: 0755, Size: int64(len(data))}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b.Bytes())), nil
	})
}
