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

package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHTimeout = 15 * time.Second

// SSHFetcher reads artifacts from a store directory on a remote host over a
// single SSH connection, opened on first use.
type SSHFetcher struct {
	Addr      string
	Config    *ssh.ClientConfig
	RemoteDir string

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHFetcher builds a fetcher that authenticates as user with the
// private key in keyPEM and checks the host against knownHostsFile.
func NewSSHFetcher(addr, user string, keyPEM []byte, knownHostsFile, remoteDir string) (*SSHFetcher, error) {
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH private key: %w", err)
	}
	hostKeys, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", knownHostsFile, err)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return &SSHFetcher{
		Addr: addr,
		Config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         defaultSSHTimeout,
		},
		RemoteDir: remoteDir,
	}, nil
}

func (s *SSHFetcher) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	d := net.Dialer{Timeout: s.Config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.Addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.Addr, s.Config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", s.Addr, err)
	}
	s.client = ssh.NewClient(c, chans, reqs)
	return s.client, nil
}

// Fetch runs cat on the remote copy of a and returns its output.
func (s *SSHFetcher) Fetch(ctx context.Context, a Artifact) ([]byte, error) {
	ext, err := a.Kind.Ext()
	if err != nil {
		return nil, err
	}
	remote := path.Join(s.RemoteDir, a.Name+ext)

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening SSH session to %s: %w", s.Addr, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	done := make(chan error, 1)
	go func() { done <- sess.Run("cat -- " + shellQuote(remote)) }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("reading %s on %s: %s: %w", remote, s.Addr,
				strings.TrimSpace(stderr.String()), os.ErrNotExist)
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s on %s: %w", remote, s.Addr, err)
		}
	}
	return stdout.Bytes(), nil
}

// Close drops the SSH connection, if one was opened.
func (s *SSHFetcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
