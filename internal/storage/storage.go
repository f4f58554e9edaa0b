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
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// FilePermPrivate is used for private keys: owner read/write only.
	FilePermPrivate = 0600
	FilePermPublic  = 0644
	DirPerm         = 0750
)

// Kind identifies the class of an artifact and therefore its file extension
// and permissions.
type Kind string

const (
	KindKey   Kind = "key"
	KindCert  Kind = "cert"
	KindChain Kind = "chain"
	KindCSR   Kind = "csr"
)

// Ext returns the file extension used for artifacts of kind k.
func (k Kind) Ext() (string, error) {
	switch k {
	case KindKey:
		return ".key", nil
	case KindCert:
		return ".crt", nil
	case KindChain:
		return ".pem", nil
	case KindCSR:
		return ".csr", nil
	}
	return "", fmt.Errorf("unknown artifact kind %q", string(k))
}

// Perm returns the file mode artifacts of kind k are written with. Keys are
// never group or world readable.
func (k Kind) Perm() os.FileMode {
	if k == KindKey {
		return FilePermPrivate
	}
	return FilePermPublic
}

var (
	// ErrNotFound is returned by Get when the artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName is returned for names that would escape the store root.
	ErrInvalidName = errors.New("invalid artifact name")
)

var segmentRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)

// ValidateName checks that name is a slash-separated sequence of safe
// segments. Artifact names never contain "..".
func ValidateName(name string) error {
	if name == "" || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if !segmentRegex.MatchString(seg) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Store is the file-system-backed Material Store. All writes go through a
// temp-file-then-rename sequence so readers never see partial files.
type Store struct {
	baseDir string
	now     func() time.Time
	fileMu  sync.RWMutex

	// StaleLockAfter is the age after which a lock file left behind by a dead
	// process is reclaimed.
	StaleLockAfter time.Duration
	// LockPollInterval is how often Lock retries a held lock.
	LockPollInterval time.Duration
}

func New(baseDir string) *Store {
	return &Store{
		baseDir:          baseDir,
		now:              time.Now,
		StaleLockAfter:   10 * time.Minute,
		LockPollInterval: 50 * time.Millisecond,
	}
}

// SetClock replaces the clock used to decide whether an existing certificate
// is still valid.
func (s *Store) SetClock(now func() time.Time) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	s.now = now
}

func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) EnsureDirs() error {
	for _, d := range []string{s.baseDir, s.lockDir()} {
		if err := os.MkdirAll(d, DirPerm); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the on-disk location of the artifact.
func (s *Store) Path(kind Kind, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	ext, err := kind.Ext()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(name)+ext), nil
}

type putOptions struct {
	overwrite bool
}

// PutOption modifies a single Put call.
type PutOption func(*putOptions)

// Overwrite allows Put to replace an artifact that is still valid.
func Overwrite() PutOption {
	return func(o *putOptions) { o.overwrite = true }
}

// Put writes data as the artifact kind/name. When a still-valid artifact is
// already present and Overwrite is not given, Put is a no-op and returns
// written=false.
func (s *Store) Put(kind Kind, name string, data []byte, opts ...PutOption) (bool, error) {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	path, err := s.Path(kind, name)
	if err != nil {
		return false, err
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if !o.overwrite {
		if existing, err := os.ReadFile(path); err == nil && s.stillValid(kind, existing) {
			slog.Debug("Artifact already present, skipping write", "kind", kind, "name", name)
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
		return false, fmt.Errorf("creating directory for %s %s: %w", kind, name, err)
	}
	if err := atomicWrite(path, data, kind.Perm()); err != nil {
		return false, fmt.Errorf("writing %s %s: %w", kind, name, err)
	}
	slog.Debug("Artifact written", "kind", kind, "name", name, "path", path)
	return true, nil
}

// Entry is one artifact of a PutAll batch.
type Entry struct {
	Kind Kind
	Name string
	Data []byte
}

// staged tracks one entry of a batch between staging and commit.
type staged struct {
	Entry
	path    string
	tmp     string
	prev    []byte
	existed bool
}

// PutAll replaces every entry, or none of them. All content is written to
// synced temp files before the first rename; when a rename fails the entries
// already replaced are restored from their previous content. Existing
// artifacts are always overwritten.
func (s *Store) PutAll(entries ...Entry) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	batch := make([]*staged, 0, len(entries))
	defer func() {
		for _, st := range batch {
			if st.tmp != "" {
				os.Remove(st.tmp)
			}
		}
	}()

	for _, e := range entries {
		path, err := s.Path(e.Kind, e.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
			return fmt.Errorf("creating directory for %s %s: %w", e.Kind, e.Name, err)
		}
		st := &staged{Entry: e, path: path}
		// Only regular files have content to restore; anything else is left
		// for the rename to reject.
		if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() {
			if st.prev, err = os.ReadFile(path); err != nil {
				return fmt.Errorf("reading current %s %s: %w", e.Kind, e.Name, err)
			}
			st.existed = true
		} else if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("inspecting %s %s: %w", e.Kind, e.Name, err)
		}
		if st.tmp, err = stageTemp(path, e.Data, e.Kind.Perm()); err != nil {
			return fmt.Errorf("staging %s %s: %w", e.Kind, e.Name, err)
		}
		batch = append(batch, st)
	}

	for i, st := range batch {
		if err := commitTemp(st.tmp, st.path); err != nil {
			s.rollback(batch[:i])
			return fmt.Errorf("writing %s %s: %w", st.Kind, st.Name, err)
		}
		st.tmp = ""
		slog.Debug("Artifact written", "kind", st.Kind, "name", st.Name, "path", st.path)
	}
	return nil
}

// rollback puts back what the committed entries replaced. Entries that did
// not exist before are removed.
func (s *Store) rollback(committed []*staged) {
	for i := len(committed) - 1; i >= 0; i-- {
		st := committed[i]
		var err error
		if st.existed {
			err = atomicWrite(st.path, st.prev, st.Kind.Perm())
		} else {
			err = os.Remove(st.path)
		}
		if err != nil {
			slog.Error("Could not restore artifact after failed batch write",
				"kind", st.Kind, "name", st.Name, "path", st.path, "error", err)
			continue
		}
		slog.Warn("Restored artifact after failed batch write", "kind", st.Kind, "name", st.Name)
	}
}

// stillValid reports whether existing content should be protected from an
// unforced write. Certificates and chains are valid while their first
// certificate is unexpired; keys and CSRs are valid while non-empty.
func (s *Store) stillValid(kind Kind, existing []byte) bool {
	switch kind {
	case KindCert, KindChain:
		block, _ := pem.Decode(existing)
		if block == nil || block.Type != "CERTIFICATE" {
			return false
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return false
		}
		return s.now().Before(cert.NotAfter)
	default:
		return len(existing) > 0
	}
}

func (s *Store) Get(kind Kind, name string) ([]byte, error) {
	path, err := s.Path(kind, name)
	if err != nil {
		return nil, err
	}
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) Exists(kind Kind, name string) bool {
	path, err := s.Path(kind, name)
	if err != nil {
		return false
	}
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()
	_, err = os.Stat(path)
	return err == nil
}

func (s *Store) Delete(kind Kind, name string) error {
	path, err := s.Path(kind, name)
	if err != nil {
		return err
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
		}
		return err
	}
	return nil
}

// List returns the names of all artifacts of kind directly inside dir, sorted.
// Temp files left by interrupted writes are skipped.
func (s *Store) List(kind Kind, dir string) ([]string, error) {
	ext, err := kind.Ext()
	if err != nil {
		return nil, err
	}
	if err := ValidateName(dir); err != nil {
		return nil, err
	}
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, filepath.FromSlash(dir)))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ext {
			continue
		}
		names = append(names, dir+"/"+strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the sub-directory names of dir, sorted.
func (s *Store) ListDirs(dir string) ([]string, error) {
	if err := ValidateName(dir); err != nil {
		return nil, err
	}
	s.fileMu.RLock()
	defer s.fileMu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, filepath.FromSlash(dir)))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
