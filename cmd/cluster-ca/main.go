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

// cluster-ca serves the remote signing endpoint from the member that holds
// the intermediate CA key.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/tvaughan/cluster-ca/internal/api"
	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/cluster"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

// isLoopback reports whether host is a loopback address (127.x.x.x, ::1, or
// "localhost"). Plain HTTP is only safe when the server cannot be reached from
// outside the local process.
func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

// setupLogging installs the default slog logger. Verbosity 0 is Info, 1 is
// Debug, anything higher is Trace. A log file gets JSON records.
func setupLogging(verbosity int, logFile string, stderr io.Writer) (func(), error) {
	var level slog.Level
	switch verbosity {
	case 0:
		level = slog.LevelInfo
	case 1:
		level = slog.LevelDebug
	default:
		level = slog.Level(-8) // Trace
	}
	opts := &slog.HandlerOptions{Level: level}

	closer := func() {}
	var h slog.Handler
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		h = slog.NewJSONHandler(f, opts)
		closer = func() { f.Close() }
	} else {
		h = slog.NewTextHandler(stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return closer, nil
}

// admissionFor builds the signing admission policy. The members mode admits
// exactly the names in the topology file.
func admissionFor(cfg *serverConfig) (ca.Admission, error) {
	adm := ca.Admission{Mode: cfg.Admission, Path: cfg.AdmissionPath}
	switch cfg.Admission {
	case ca.AdmitAny, "":
	case ca.AdmitMembers:
		if cfg.Topology == "" {
			return adm, errors.New("admission mode members requires --topology")
		}
		t, err := cluster.LoadTopology(cfg.Topology)
		if err != nil {
			return adm, err
		}
		adm.Members = t.Names()
	case ca.AdmitFile, ca.AdmitExecutable:
		if cfg.AdmissionPath == "" {
			return adm, fmt.Errorf("admission mode %s requires --admission-path", cfg.Admission)
		}
		if _, err := os.Stat(cfg.AdmissionPath); err != nil {
			return adm, fmt.Errorf("admission path: %w", err)
		}
	default:
		return adm, fmt.Errorf("unknown admission mode %q", cfg.Admission)
	}
	return adm, nil
}

func run(ctx context.Context, cfg *serverConfig) error {
	if cfg.CADir == "" {
		return fmt.Errorf("--cadir is required (or set CLUSTER_CA_CADIR / cadir in config file)")
	}
	absCADir, err := filepath.Abs(cfg.CADir)
	if err != nil {
		return fmt.Errorf("resolving --cadir: %w", err)
	}

	slog.Info("Starting cluster CA",
		"cadir", absCADir,
		"host", cfg.Host,
		"port", cfg.Port,
		"cluster", cfg.Cluster,
		"verbosity", cfg.Verbosity,
	)

	// Plain HTTP over a non-loopback interface lets any on-path host
	// substitute certificates.
	tlsConfigured := cfg.TLSCert != "" && cfg.TLSKey != ""
	if !tlsConfigured {
		if !isLoopback(cfg.Host) && !cfg.NoTLSRequired {
			return errors.New("refusing to serve plain HTTP on a non-loopback address; " +
				"enable TLS (--tls-cert / --tls-key), restrict to loopback (--host 127.0.0.1), " +
				"or explicitly opt out with --no-tls-required")
		}
		if cfg.NoTLSRequired && !isLoopback(cfg.Host) {
			slog.Warn("TLS is not configured on a non-loopback address; " +
				"only use --no-tls-required behind a trusted TLS proxy or in test environments")
		}
	}

	keyAlg, err := ca.ParseKeyAlgorithm(cfg.KeyAlgorithm)
	if err != nil {
		return err
	}
	adm, err := admissionFor(cfg)
	if err != nil {
		return err
	}
	slog.Debug("Admission policy", "mode", adm.Mode, "path", adm.Path, "members", adm.Members)

	store := storage.New(absCADir)
	if err := store.EnsureDirs(); err != nil {
		return fmt.Errorf("creating CA directories: %w", err)
	}
	opts := []ca.Option{ca.WithClusterName(cfg.Cluster), ca.UseKeyAlgorithm(keyAlg)}
	if len(cfg.DNSDomains) > 0 {
		opts = append(opts, ca.WithPermittedDNSDomains(cfg.DNSDomains...))
	}
	if cfg.SigningLabel != "" {
		opts = append(opts, ca.WithSigningLabel(cfg.SigningLabel))
	}
	authority := ca.New(store, opts...)

	if cfg.Init {
		root, err := authority.InitRoot(ctx, ca.InitOptions{})
		if err != nil {
			return err
		}
		if _, err := authority.InitIntermediate(ctx, root, ca.InitOptions{}); err != nil {
			return err
		}
	}
	if inter, err := authority.LoadIntermediate(); err != nil {
		slog.Warn("Intermediate CA not loaded; signing requests will be refused", "error", err)
	} else if !inter.HasKey() {
		slog.Warn("Intermediate key not held by this member; signing requests will be refused")
	}

	srv := api.New(authority)
	srv.Admission = adm
	srv.ThresholdDays = cfg.ThresholdDays

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if tlsConfigured {
		serverCert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("loading TLS cert/key: %w", err)
		}
		bundle, err := authority.TrustBundle()
		if err != nil {
			return fmt.Errorf("mTLS requires the trust bundle: %w", err)
		}
		srv.AuthConfig = api.NewAuthConfig(bundle, cfg.Admins)
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}
		slog.Info("TLS enabled", "cert", cfg.TLSCert, "admins", cfg.Admins)
	}
	server.Handler = srv.Routes()

	done := make(chan error, 1)
	go func() {
		slog.Info("Listening", "address", server.Addr, "label", authority.Label())
		var err error
		if tlsConfigured {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile    string
		caDir         string
		host          string
		port          int
		clusterName   string
		label         string
		keyAlg        string
		initCA        bool
		admission     string
		admissionPath string
		topology      string
		admins        []string
		dnsDomains    []string
		thresholdDays int
		verbosity     int
		logFile       string
		tlsCert       string
		tlsKey        string
		noTLSRequired bool
	)

	cmd := &cobra.Command{
		Use:          "cluster-ca",
		Short:        "Signing endpoint for a cluster's intermediate CA",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// --- Config loading (file → env → CLI flags) ---
			resolved := resolveConfigFile(configFile, "CLUSTER_CA_CONFIG", "/etc/cluster-ca/config.yaml")
			cfg, err := loadServerConfig(resolved)
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("cadir") {
				cfg.CADir = caDir
			}
			if f.Changed("host") {
				cfg.Host = host
			}
			if f.Changed("port") {
				cfg.Port = port
			}
			if f.Changed("cluster") {
				cfg.Cluster = clusterName
			}
			if f.Changed("signing-label") {
				cfg.SigningLabel = label
			}
			if f.Changed("key-algorithm") {
				cfg.KeyAlgorithm = keyAlg
			}
			if f.Changed("init") {
				cfg.Init = initCA
			}
			if f.Changed("admission") {
				cfg.Admission = admission
			}
			if f.Changed("admission-path") {
				cfg.AdmissionPath = admissionPath
			}
			if f.Changed("topology") {
				cfg.Topology = topology
			}
			if f.Changed("admin") {
				cfg.Admins = admins
			}
			if f.Changed("permitted-dns-domain") {
				cfg.DNSDomains = dnsDomains
			}
			if f.Changed("threshold-days") {
				cfg.ThresholdDays = thresholdDays
			}
			if f.Changed("verbosity") {
				cfg.Verbosity = verbosity
			}
			if f.Changed("logfile") {
				cfg.LogFile = logFile
			}
			if f.Changed("tls-cert") {
				cfg.TLSCert = tlsCert
			}
			if f.Changed("tls-key") {
				cfg.TLSKey = tlsKey
			}
			if f.Changed("no-tls-required") {
				cfg.NoTLSRequired = noTLSRequired
			}

			closeLog, err := setupLogging(cfg.Verbosity, cfg.LogFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "Path to YAML config file (default: /etc/cluster-ca/config.yaml if it exists)")
	f.StringVar(&caDir, "cadir", "", "Material store directory (or set CLUSTER_CA_CADIR)")
	f.StringVar(&host, "host", "0.0.0.0", "Address to listen on")
	f.IntVar(&port, "port", 8443, "Port to listen on")
	f.StringVar(&clusterName, "cluster", ca.DefaultClusterName, "Cluster name used in CA common names")
	f.StringVar(&label, "signing-label", "", "Label this signer answers to (default: <cluster>-intermediate-ca)")
	f.StringVar(&keyAlg, "key-algorithm", "rsa", "Key algorithm for CA material created with --init: rsa or ecdsa")
	f.BoolVar(&initCA, "init", false, "Create the root and intermediate CA on startup when missing")
	f.StringVar(&admission, "admission", "any", "Admission policy: any, members, file or executable")
	f.StringVar(&admissionPath, "admission-path", "", "Glob file or executable for the file and executable admission policies")
	f.StringVar(&topology, "topology", "", "Cluster topology YAML; its members are admitted by the members policy")
	f.StringSliceVar(&admins, "admin", nil, "Client certificate CN with administrative access (repeatable)")
	f.StringSliceVar(&dnsDomains, "permitted-dns-domain", nil, "Restrict signed DNS names to these domains (repeatable)")
	f.IntVar(&thresholdDays, "threshold-days", 30, "Default renewal threshold for /api/v1/expirations")
	f.IntVarP(&verbosity, "verbosity", "v", 0, "Verbosity: 0=Info 1=Debug 2=Trace")
	f.StringVar(&logFile, "logfile", "", "Log to file instead of stderr")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS server certificate PEM (enables HTTPS and mTLS)")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS server private key PEM")
	f.BoolVar(&noTLSRequired, "no-tls-required", false, "Allow plain HTTP on non-loopback addresses (use only behind a trusted TLS proxy or in test environments)")
	return cmd
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		memguard.SafeExit(1)
	}
}
