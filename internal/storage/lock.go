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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

func (s *Store) lockDir() string {
	return filepath.Join(s.baseDir, ".locks")
}

// LockPath returns the lock file used for scope.
func (s *Store) LockPath(scope string) string {
	return filepath.Join(s.lockDir(), scope+".lock")
}

// Lock takes the exclusive, cross-process lock for scope and returns the
// function that releases it. It blocks until the lock is free or ctx ends.
// Scopes follow the same character rules as artifact name segments.
func (s *Store) Lock(ctx context.Context, scope string) (func(), error) {
	if !segmentRegex.MatchString(scope) || scope == "." || scope == ".." {
		return nil, fmt.Errorf("%w: lock scope %q", ErrInvalidName, scope)
	}
	if err := os.MkdirAll(s.lockDir(), DirPerm); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	path := s.LockPath(scope)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FilePermPrivate)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			slog.Debug("Lock acquired", "scope", scope)
			return func() {
				if err := os.Remove(path); err != nil {
					slog.Warn("Could not release lock", "scope", scope, "error", err)
				}
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("creating lock %s: %w", path, err)
		}
		if s.reclaimStale(path) {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", scope, ctx.Err())
		case <-time.After(s.LockPollInterval):
		}
	}
}

// reclaimStale removes a lock file older than StaleLockAfter. Lock age is
// measured on the wall clock, independent of the store's validity clock.
func (s *Store) reclaimStale(path string) bool {
	if s.StaleLockAfter <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		// Released between our create attempt and the stat; retry right away.
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) < s.StaleLockAfter {
		return false
	}
	slog.Warn("Reclaiming stale lock", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
	return os.Remove(path) == nil
}
