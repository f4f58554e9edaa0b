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

package transfer_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/storage"
	"github.com/tvaughan/cluster-ca/internal/transfer"
)

func tempStore() *storage.Store {
	dir, err := os.MkdirTemp("", "transfer-test")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)
	s := storage.New(dir)
	Expect(s.EnsureDirs()).To(Succeed())
	return s
}

// sourceStore holds a complete authority and one member.
func sourceStore() *storage.Store {
	s := tempStore()
	auth := ca.New(s, ca.UseKeyAlgorithm(ca.KeyECDSA))
	ctx := context.Background()
	root, err := auth.InitRoot(ctx, ca.InitOptions{})
	Expect(err).NotTo(HaveOccurred())
	inter, err := auth.InitIntermediate(ctx, root, ca.InitOptions{})
	Expect(err).NotTo(HaveOccurred())
	_, err = auth.Issue(ctx, ca.IssueRequest{Subject: "node-a", SANs: []string{"node-a"}, Role: ca.RoleServer,
		Mode: ca.Local{Intermediate: inter}})
	Expect(err).NotTo(HaveOccurred())
	return s
}

func mustGet(s *storage.Store, kind storage.Kind, name string) []byte {
	data, err := s.Get(kind, name)
	Expect(err).NotTo(HaveOccurred())
	return data
}

type fetcherFunc func(context.Context, transfer.Artifact) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, a transfer.Artifact) ([]byte, error) { return f(ctx, a) }

var _ = Describe("Artifact lists", func() {
	It("marks the intermediate pair and trust bundle critical", func() {
		var critical, optional []string
		for _, a := range transfer.AuthorityArtifacts() {
			if a.Critical {
				critical = append(critical, a.String())
			} else {
				optional = append(optional, a.String())
			}
		}
		Expect(critical).To(ConsistOf("ca/intermediate.crt", "ca/intermediate.key", "ca/trust-bundle.pem"))
		Expect(optional).To(ConsistOf("ca/root.crt"))
	})

	It("lists a member's material per role", func() {
		names := []string{}
		for _, a := range transfer.MemberArtifacts("node-a", ca.RoleServer, ca.RolePeer) {
			names = append(names, a.String())
		}
		Expect(names).To(ConsistOf(
			"members/node-a/server.crt", "members/node-a/server.key", "members/node-a/server.csr",
			"members/node-a/peer.crt", "members/node-a/peer.key", "members/node-a/peer.csr",
			"members/node-a/ca-chain.pem",
		))
	})
})

var _ = Describe("Pull", func() {
	var (
		src, dst *storage.Store
		ctx      context.Context
	)

	BeforeEach(func() {
		src = sourceStore()
		dst = tempStore()
		ctx = context.Background()
	})

	It("copies authority material so the destination can sign locally", func() {
		report := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
		Expect(report.Err()).NotTo(HaveOccurred())
		Expect(report.Failed()).To(BeEmpty())
		for _, r := range report.Results {
			Expect(r.Written).To(BeTrue())
			Expect(mustGet(dst, r.Artifact.Kind, r.Artifact.Name)).To(Equal(mustGet(src, r.Artifact.Kind, r.Artifact.Name)))
		}

		info, err := os.Stat(filepath.Join(dst.BaseDir(), "ca", "intermediate.key"))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))

		auth := ca.New(dst)
		mode, err := auth.SelectMode(ctx, ca.SigningAvailability{LocalKey: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(ca.ModeName(mode)).To(Equal("local"))
	})

	It("copies a member's material", func() {
		report := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst,
			transfer.MemberArtifacts("node-a", ca.RoleServer))
		Expect(report.Err()).NotTo(HaveOccurred())
		Expect(mustGet(dst, storage.KindChain, "members/node-a/ca-chain")).
			To(Equal(mustGet(src, storage.KindChain, "members/node-a/ca-chain")))
	})

	It("tolerates a missing optional artifact", func() {
		Expect(src.Delete(storage.KindCert, ca.RootName)).To(Succeed())
		report := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
		Expect(report.Err()).NotTo(HaveOccurred())
		Expect(report.Failed()).To(HaveLen(1))
		Expect(report.Failed()[0].Artifact.Name).To(Equal(ca.RootName))
		Expect(errors.Is(report.Failed()[0].Err, storage.ErrNotFound)).To(BeTrue())
	})

	It("fails on a missing critical artifact and stores nothing", func() {
		Expect(src.Delete(storage.KindKey, ca.IntermediateName)).To(Succeed())
		report := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
		err := report.Err()
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, transfer.ErrCritical)).To(BeTrue())
		Expect(errors.Is(err, ca.ErrMaterialIO)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("ca/intermediate.key"))
		for _, r := range report.Results {
			Expect(r.Written).To(BeFalse())
			if r.Artifact.Kind != storage.KindKey {
				Expect(errors.Is(r.Err, transfer.ErrAborted)).To(BeTrue(), r.Artifact.String())
			}
		}
		Expect(dst.Exists(storage.KindCert, ca.IntermediateName)).To(BeFalse())
		Expect(dst.Exists(storage.KindCert, ca.RootName)).To(BeFalse())
		Expect(dst.Exists(storage.KindChain, ca.TrustBundleName)).To(BeFalse())
	})

	Context("over material already in place", func() {
		var before map[string][]byte

		BeforeEach(func() {
			first := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
			Expect(first.Err()).NotTo(HaveOccurred())
			before = map[string][]byte{}
			for _, a := range transfer.AuthorityArtifacts() {
				before[a.String()] = mustGet(dst, a.Kind, a.Name)
			}

			// The source moves on to a new intermediate.
			auth := ca.New(src, ca.UseKeyAlgorithm(ca.KeyECDSA))
			_, err := auth.InitIntermediate(ctx, nil, ca.InitOptions{Force: true, Override: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(mustGet(src, storage.KindCert, ca.IntermediateName)).NotTo(Equal(before["ca/intermediate.crt"]))
		})

		expectUnchanged := func() {
			for _, a := range transfer.AuthorityArtifacts() {
				Expect(mustGet(dst, a.Kind, a.Name)).To(Equal(before[a.String()]), a.String())
			}
		}

		It("keeps the old pair when the key cannot be fetched", func() {
			failing := fetcherFunc(func(ctx context.Context, a transfer.Artifact) ([]byte, error) {
				if a.Kind == storage.KindKey {
					return nil, errors.New("connection reset")
				}
				return src.Get(a.Kind, a.Name)
			})
			report := transfer.Pull(ctx, failing, dst, transfer.AuthorityArtifacts())
			Expect(report.Err()).To(MatchError(ContainSubstring("connection reset")))
			expectUnchanged()

			dstAuth := ca.New(dst)
			inter, err := dstAuth.LoadIntermediate()
			Expect(err).NotTo(HaveOccurred())
			Expect(inter.HasKey()).To(BeTrue())
		})

		It("rejects a key that does not belong to the certificate", func() {
			stale := fetcherFunc(func(ctx context.Context, a transfer.Artifact) ([]byte, error) {
				if a.Kind == storage.KindKey {
					return before["ca/intermediate.key"], nil
				}
				return src.Get(a.Kind, a.Name)
			})
			report := transfer.Pull(ctx, stale, dst, transfer.AuthorityArtifacts())
			Expect(report.Err()).To(MatchError(ContainSubstring("does not match ca/intermediate.crt")))
			expectUnchanged()
		})

		It("rejects a certificate the fetched bundle did not issue", func() {
			other := sourceStore()
			mixed := fetcherFunc(func(ctx context.Context, a transfer.Artifact) ([]byte, error) {
				if a.Kind == storage.KindChain {
					return other.Get(a.Kind, a.Name)
				}
				return src.Get(a.Kind, a.Name)
			})
			report := transfer.Pull(ctx, mixed, dst, transfer.AuthorityArtifacts())
			Expect(report.Err()).To(MatchError(ContainSubstring("not signed by any certificate in the chain")))
			expectUnchanged()
		})

		It("replaces the whole set once everything checks out", func() {
			report := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
			Expect(report.Err()).NotTo(HaveOccurred())
			for _, a := range transfer.AuthorityArtifacts() {
				Expect(mustGet(dst, a.Kind, a.Name)).To(Equal(mustGet(src, a.Kind, a.Name)), a.String())
			}
		})
	})

	It("never replaces good material with content that does not parse", func() {
		first := transfer.Pull(ctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
		Expect(first.Err()).NotTo(HaveOccurred())
		before := mustGet(dst, storage.KindKey, ca.IntermediateName)

		truncated := fetcherFunc(func(_ context.Context, a transfer.Artifact) ([]byte, error) {
			data, err := src.Get(a.Kind, a.Name)
			return data[:len(data)/2], err
		})
		report := transfer.Pull(ctx, truncated, dst, transfer.AuthorityArtifacts())
		Expect(report.Err()).To(HaveOccurred())
		Expect(report.Failed()).To(HaveLen(4))
		Expect(mustGet(dst, storage.KindKey, ca.IntermediateName)).To(Equal(before))
	})

	It("fails every artifact once the context is cancelled", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		report := transfer.Pull(cctx, transfer.NewDirFetcher(src.BaseDir()), dst, transfer.AuthorityArtifacts())
		Expect(report.Failed()).To(HaveLen(len(transfer.AuthorityArtifacts())))
		Expect(errors.Is(report.Err(), context.Canceled)).To(BeTrue())
	})
})

// sshServer serves "cat -- '<path>'" exec requests from the local disk.
type sshServer struct {
	addr     string
	hostKey  ssh.PublicKey
	clientPK ssh.Signer
	listener net.Listener
}

func startSSHServer() *sshServer {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	Expect(err).NotTo(HaveOccurred())
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	Expect(err).NotTo(HaveOccurred())

	authorized := clientSigner.PublicKey().Marshal()
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(l.Close)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()
	return &sshServer{addr: l.Addr().String(), hostKey: hostSigner.PublicKey(), clientPK: clientSigner, listener: l}
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var p struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &p); err != nil {
					req.Reply(false, nil)
					return
				}
				req.Reply(true, nil)
				status := uint32(0)
				path := strings.Trim(strings.TrimPrefix(p.Command, "cat -- "), "'")
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(ch.Stderr(), "cat: %s: No such file or directory\n", path)
					status = 1
				} else {
					ch.Write(data)
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

var _ = Describe("SSHFetcher", func() {
	var (
		srv *sshServer
		src *storage.Store
		dst *storage.Store
		ctx context.Context
	)

	BeforeEach(func() {
		srv = startSSHServer()
		src = sourceStore()
		dst = tempStore()
		ctx = context.Background()
	})

	newFetcher := func() *transfer.SSHFetcher {
		return &transfer.SSHFetcher{
			Addr: srv.addr,
			Config: &ssh.ClientConfig{
				User:            "ca",
				Auth:            []ssh.AuthMethod{ssh.PublicKeys(srv.clientPK)},
				HostKeyCallback: ssh.FixedHostKey(srv.hostKey),
			},
			RemoteDir: src.BaseDir(),
		}
	}

	It("pulls authority material from a remote store", func() {
		f := newFetcher()
		DeferCleanup(f.Close)
		report := transfer.Pull(ctx, f, dst, transfer.AuthorityArtifacts())
		Expect(report.Err()).NotTo(HaveOccurred())
		Expect(mustGet(dst, storage.KindKey, ca.IntermediateName)).To(Equal(mustGet(src, storage.KindKey, ca.IntermediateName)))
	})

	It("reports missing remote files per artifact", func() {
		Expect(src.Delete(storage.KindCert, ca.RootName)).To(Succeed())
		f := newFetcher()
		DeferCleanup(f.Close)
		report := transfer.Pull(ctx, f, dst, transfer.AuthorityArtifacts())
		Expect(report.Err()).NotTo(HaveOccurred())
		Expect(report.Failed()).To(HaveLen(1))
		Expect(errors.Is(report.Failed()[0].Err, os.ErrNotExist)).To(BeTrue())
	})

	It("refuses an unknown host key", func() {
		f := newFetcher()
		_, other, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		otherSigner, err := ssh.NewSignerFromKey(other)
		Expect(err).NotTo(HaveOccurred())
		f.Config.HostKeyCallback = ssh.FixedHostKey(otherSigner.PublicKey())
		report := transfer.Pull(ctx, f, dst, transfer.AuthorityArtifacts())
		Expect(report.Err()).To(HaveOccurred())
		Expect(dst.Exists(storage.KindKey, ca.IntermediateName)).To(BeFalse())
	})

	It("is built from a key file and known_hosts", func() {
		dir := GinkgoT().TempDir()
		known := filepath.Join(dir, "known_hosts")
		line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey)
		Expect(os.WriteFile(known, []byte(line+"\n"), 0600)).To(Succeed())

		_, priv, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		block, err := ssh.MarshalPrivateKey(priv, "")
		Expect(err).NotTo(HaveOccurred())

		f, err := transfer.NewSSHFetcher(srv.addr, "ca", pem.EncodeToMemory(block), known, src.BaseDir())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(f.Close)
		// The server only trusts its own client key, so authentication fails
		// after the host key was accepted.
		_, err = f.Fetch(ctx, transfer.AuthorityArtifacts()[0])
		Expect(err).To(MatchError(ContainSubstring("unable to authenticate")))

		_, err = transfer.NewSSHFetcher(srv.addr, "ca", []byte("nope"), known, src.BaseDir())
		Expect(err).To(HaveOccurred())
	})
})
