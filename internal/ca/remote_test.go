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

package ca_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

var _ = Describe("Remote signing", func() {
	var (
		tmpDir    string
		clk       *clock
		authority *ca.Authority
		member    *ca.Authority
		inter     *ca.CertificateAuthority
		ctx       context.Context
		handler   http.HandlerFunc
		srv       *httptest.Server
	)

	// signer answers like the signing endpoint of the authority member.
	signer := func(w http.ResponseWriter, r *http.Request) {
		var req ca.SignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Label != authority.Label() {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ca.ErrorResponse{Reason: "SigningUnavailableError", Message: "unknown label"})
			return
		}
		profile, err := authority.Profile(ca.Role(req.Profile))
		if err == nil {
			var leaf *ca.LeafCertificate
			leaf, err = authority.Sign(r.Context(), []byte(req.CertificateRequest), profile, ca.Local{Intermediate: inter, SANs: req.Hosts})
			if err == nil {
				json.NewEncoder(w).Encode(ca.SignResponse{Certificate: string(leaf.CertPEM), Bundle: string(leaf.BundlePEM)})
				return
			}
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ca.ErrorResponse{Reason: ca.KindName(err), Message: err.Error()})
	}

	BeforeEach(func() {
		var err error
		tmpDir = mustTempDir()
		clk = newClock(t0)
		ctx = context.Background()

		authority = newTestAuthority(filepath.Join(tmpDir, "authority"), clk)
		root, err := authority.InitRoot(ctx, ca.InitOptions{})
		Expect(err).NotTo(HaveOccurred())
		inter, err = authority.InitIntermediate(ctx, root, ca.InitOptions{})
		Expect(err).NotTo(HaveOccurred())

		// The joining member holds only the trust bundle.
		member = newTestAuthority(filepath.Join(tmpDir, "member"), clk)
		bundle := readFile(storePath(authority, storage.KindChain, ca.TrustBundleName))
		_, err = member.Store().Put(storage.KindChain, ca.TrustBundleName, bundle)
		Expect(err).NotTo(HaveOccurred())

		handler = signer
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
	})

	AfterEach(func() {
		srv.Close()
		os.RemoveAll(tmpDir)
	})

	It("issues through the remote endpoint without the intermediate key", func() {
		mode, err := member.SelectMode(ctx, ca.SigningAvailability{LocalKey: true, RemoteEndpoint: srv.URL})
		Expect(err).NotTo(HaveOccurred())
		Expect(ca.ModeName(mode)).To(Equal("remote"))

		leaf, err := member.Issue(ctx, ca.IssueRequest{Subject: "node-b", SANs: []string{"node-b", "10.0.0.2"}, Role: ca.RolePeer, Mode: mode})
		Expect(err).NotTo(HaveOccurred())
		Expect(leaf.KeyPEM).NotTo(BeNil())
		Expect(leaf.SANs).To(Equal([]string{"node-b", "10.0.0.2"}))

		b, err := member.TrustBundle()
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Verify(leaf.Cert, clk.Now())).To(Succeed())
		Expect(member.Store().Exists(storage.KindKey, ca.MemberName("node-b", ca.RolePeer))).To(BeTrue())
		Expect(member.Store().Exists(storage.KindKey, ca.IntermediateName)).To(BeFalse())
	})

	It("sends the SAN override as hosts", func() {
		var seen ca.SignRequest
		handler = func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&seen)
			r.Body.Close()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		p, _ := member.Profile(ca.RoleServer)
		csrPEM := buildCSR("node-b", nil)
		_, err := member.Sign(ctx, csrPEM, p, ca.Remote{Endpoint: srv.URL, SANs: []string{"node-b.internal"}})
		Expect(errors.Is(err, ca.ErrSigningUnavailable)).To(BeTrue())
		Expect(seen.Hosts).To(Equal([]string{"node-b.internal"}))
		Expect(seen.Profile).To(Equal("server"))
		Expect(seen.Label).To(Equal("etcd-intermediate-ca"))
	})

	It("maps a rejected label to SigningUnavailable", func() {
		p, _ := member.Profile(ca.RoleClient)
		_, err := member.Sign(ctx, buildCSR("operator", nil), p, ca.Remote{Endpoint: srv.URL, Label: "someone-else"})
		Expect(errors.Is(err, ca.ErrSigningUnavailable)).To(BeTrue())
	})

	It("carries the remote error kind back to the caller", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ca.ErrorResponse{Reason: "ProfileMismatchError", Message: "nope"})
		}
		p, _ := member.Profile(ca.RoleClient)
		_, err := member.Sign(ctx, buildCSR("operator", nil), p, ca.Remote{Endpoint: srv.URL})
		Expect(errors.Is(err, ca.ErrProfileMismatch)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("nope"))
		Expect(ca.Retryable(err)).To(BeFalse())
	})

	It("treats server errors as retryable unavailability", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}
		p, _ := member.Profile(ca.RoleClient)
		_, err := member.Sign(ctx, buildCSR("operator", nil), p, ca.Remote{Endpoint: srv.URL})
		Expect(ca.Retryable(err)).To(BeTrue())
	})

	It("fails with SigningUnavailable on timeout", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
		p, _ := member.Profile(ca.RoleClient)
		client := &http.Client{Timeout: 100 * time.Millisecond}
		_, err := member.Sign(ctx, buildCSR("operator", nil), p, ca.Remote{Endpoint: srv.URL, Client: client})
		Expect(errors.Is(err, ca.ErrSigningUnavailable)).To(BeTrue())
	})

	It("fails with SigningUnavailable when nothing listens", func() {
		url := srv.URL
		srv.Close()
		p, _ := member.Profile(ca.RoleClient)
		_, err := member.Sign(ctx, buildCSR("operator", nil), p, ca.Remote{Endpoint: url})
		Expect(errors.Is(err, ca.ErrSigningUnavailable)).To(BeTrue())
	})

	It("rejects a certificate for a different key", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			other := buildCSR("operator", nil)
			p, _ := authority.Profile(ca.RoleClient)
			leaf, err := authority.Sign(r.Context(), other, p, ca.Local{Intermediate: inter})
			Expect(err).NotTo(HaveOccurred())
			json.NewEncoder(w).Encode(ca.SignResponse{Certificate: string(leaf.CertPEM)})
		}
		p, _ := member.Profile(ca.RoleClient)
		_, err := member.Sign(ctx, buildCSR("operator", nil), p, ca.Remote{Endpoint: srv.URL})
		Expect(errors.Is(err, ca.ErrProfileMismatch)).To(BeTrue())
	})

	It("validates the request before calling out", func() {
		called := false
		handler = func(w http.ResponseWriter, r *http.Request) { called = true }
		p, _ := member.Profile(ca.RoleServer)
		_, err := member.Sign(ctx, buildCSR("node-b", nil), p, ca.Remote{Endpoint: srv.URL})
		Expect(errors.Is(err, ca.ErrProfileMismatch)).To(BeTrue())
		Expect(called).To(BeFalse())
	})

	It("resolves bare endpoints to the signing path", func() {
		u, err := ca.SignURL("https://ca.example:8443")
		Expect(err).NotTo(HaveOccurred())
		Expect(u).To(Equal("https://ca.example:8443/api/v1/sign"))
		u, err = ca.SignURL("https://ca.example:8443/custom/sign")
		Expect(err).NotTo(HaveOccurred())
		Expect(u).To(Equal("https://ca.example:8443/custom/sign"))
		_, err = ca.SignURL("ftp://ca.example")
		Expect(err).To(HaveOccurred())
	})
})
