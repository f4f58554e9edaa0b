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

package ca

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// Admission modes for remote signing requests.
const (
	AdmitAny        = "any"
	AdmitMembers    = "members"
	AdmitFile       = "file"
	AdmitExecutable = "executable"
)

// Admission decides which subjects the signing endpoint will sign for.
type Admission struct {
	Mode string
	// Path is the glob file for AdmitFile or the program for
	// AdmitExecutable.
	Path string
	// Members lists the admitted subjects for AdmitMembers.
	Members []string
}

// Admit reports whether a CSR for subject may be signed. A denial is not an
// error; errors mean the policy itself could not be evaluated.
func (p Admission) Admit(ctx context.Context, subject string, csrPEM []byte) (bool, error) {
	switch p.Mode {
	case AdmitAny, "":
		return true, nil
	case AdmitMembers:
		return slices.Contains(p.Members, subject), nil
	case AdmitFile:
		return admitFromFile(p.Path, subject)
	case AdmitExecutable:
		return admitFromExecutable(ctx, p.Path, subject, csrPEM)
	}
	return false, fmt.Errorf("unknown admission mode %q", p.Mode)
}

// admitFromFile matches subject against the shell globs in path, one per
// line. A missing file admits nobody.
func admitFromFile(path, subject string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		matched, err := filepath.Match(line, subject)
		if err != nil {
			slog.Warn("Ignoring malformed admission pattern", "path", path, "pattern", line)
			continue
		}
		if matched {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// admitFromExecutable runs path with subject as its argument and the CSR on
// stdin. Exit status 0 admits.
func admitFromExecutable(ctx context.Context, path, subject string, csrPEM []byte) (bool, error) {
	cmd := exec.CommandContext(ctx, path, subject)
	cmd.Env = os.Environ()
	cmd.Stdin = bytes.NewReader(csrPEM)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
