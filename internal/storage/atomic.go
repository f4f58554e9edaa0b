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

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// atomicWrite writes data to a temp file in the target's directory and
// renames it over path, so a concurrent reader sees either the old content
// or the new content in full.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmpName, err := stageTemp(path, data, mode)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	return commitTemp(tmpName, path)
}

// stageTemp writes data, synced, to a temp file next to path and returns its
// name. The caller owns the temp file.
func stageTemp(path string, data []byte, mode os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(format string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf(format, err)
	}

	// Permissions go on before any bytes do, so a key is never briefly
	// readable with the umask default.
	if err := tmp.Chmod(mode); err != nil {
		return fail("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp: %w", err)
	}
	return tmpName, nil
}

// commitTemp renames a staged temp file over path and syncs the directory.
func commitTemp(tmpName, path string) error {
	if err := os.Rename(tmpName, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp -> %s: %w", path, err)
		}
		// Windows cannot rename over an existing file.
		_ = os.Remove(path)
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("rename temp -> %s: %w", path, err)
		}
	}

	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
