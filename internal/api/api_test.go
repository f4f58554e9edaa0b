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

package api_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/cluster-ca/internal/api"
	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/storage"
	"github.com/tvaughan/cluster-ca/internal/testutil"
)

func newAuthority(opts ...ca.Option) *ca.Authority {
	dir, err := os.MkdirTemp("", "cluster-ca-api-test")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(os.RemoveAll, dir)
	store := storage.New(dir)
	Expect(store.EnsureDirs()).To(Succeed())
	return ca.New(store, append([]ca.Option{ca.UseKeyAlgorithm(ca.KeyECDSA)}, opts...)...)
}

func initAuthority(a *ca.Authority) *ca.CertificateAuthority {
	ctx := context.Background()
	root, err := a.InitRoot(ctx, ca.InitOptions{})
	Expect(err).NotTo(HaveOccurred())
	inter, err := a.InitIntermediate(ctx, root, ca.InitOptions{})
	Expect(err).NotTo(HaveOccurred())
	return inter
}

func csrFor(cn string, sans ...string) string {
	csr, err := testutil.GenerateCSR(cn, sans, nil)
	Expect(err).NotTo(HaveOccurred())
	return string(csr)
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorReason(rec *httptest.ResponseRecorder) string {
	var er ca.ErrorResponse
	Expect(json.Unmarshal(rec.Body.Bytes(), &er)).To(Succeed())
	return er.Reason
}

var _ = Describe("Health probes", func() {
	It("is live before the CA exists and ready only with a usable intermediate", func() {
		a := newAuthority()
		h := api.New(a).Routes()
		Expect(do(h, "GET", "/healthz/live", nil).Code).To(Equal(http.StatusOK))
		Expect(do(h, "GET", "/healthz/ready", nil).Code).To(Equal(http.StatusServiceUnavailable))
		Expect(do(h, "GET", "/healthz/startup", nil).Code).To(Equal(http.StatusServiceUnavailable))

		initAuthority(a)
		rec := do(h, "GET", "/healthz/ready", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"ok"`))
	})
})

var _ = Describe("Signing endpoint", func() {
	var (
		auth   *ca.Authority
		server *api.Server
		h      http.Handler
	)

	BeforeEach(func() {
		auth = newAuthority()
		initAuthority(auth)
		server = api.New(auth)
		h = server.Routes()
	})

	It("signs a CSR and returns the certificate with the trust bundle", func() {
		rec := do(h, "POST", "/api/v1/sign", ca.SignRequest{
			CertificateRequest: csrFor("node-a", "node-a"),
			Profile:            "server",
			Label:              auth.Label(),
		})
		Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())

		var resp ca.SignResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		cert, err := ca.ParseCertificate([]byte(resp.Certificate))
		Expect(err).NotTo(HaveOccurred())
		Expect(cert.Subject.CommonName).To(Equal("node-a"))
		Expect(cert.ExtKeyUsage).To(ConsistOf(x509.ExtKeyUsageServerAuth))

		bundle, err := auth.TrustBundle()
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Bundle).To(Equal(string(bundle.PEM)))
		Expect(bundle.Verify(cert, auth.Now(), x509.ExtKeyUsageServerAuth)).To(Succeed())

		// Nothing is persisted on the signing side.
		Expect(auth.Store().Exists(storage.KindCert, ca.MemberName("node-a", ca.RoleServer))).To(BeFalse())
	})

	It("accepts an empty label and applies a hosts override", func() {
		rec := do(h, "POST", "/api/v1/sign", ca.SignRequest{
			CertificateRequest: csrFor("node-a", "ignored.example.com"),
			Profile:            "peer",
			Hosts:              []string{"node-a", "10.0.0.1"},
		})
		Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())
		var resp ca.SignResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		cert, err := ca.ParseCertificate([]byte(resp.Certificate))
		Expect(err).NotTo(HaveOccurred())
		Expect(cert.DNSNames).To(Equal([]string{"node-a"}))
		Expect(cert.IPAddresses[0].String()).To(Equal("10.0.0.1"))
	})

	DescribeTable("rejects bad requests with a machine-readable reason",
		func(req func() any, status int, reason string) {
			rec := do(h, "POST", "/api/v1/sign", req())
			Expect(rec.Code).To(Equal(status), rec.Body.String())
			Expect(errorReason(rec)).To(Equal(reason))
		},
		Entry("another signer's label", func() any {
			return ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "server", Label: "other-ca"}
		}, http.StatusNotFound, "SigningUnavailableError"),
		Entry("unknown profile", func() any {
			return ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "admin"}
		}, http.StatusBadRequest, "UnknownRoleError"),
		Entry("CA profile", func() any {
			return ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "intermediate"}
		}, http.StatusBadRequest, "ProfileMismatchError"),
		Entry("server without SANs", func() any {
			return ca.SignRequest{CertificateRequest: csrFor("node-a"), Profile: "server"}
		}, http.StatusBadRequest, "ProfileMismatchError"),
		Entry("garbage CSR", func() any {
			return ca.SignRequest{CertificateRequest: "not a csr", Profile: "client"}
		}, http.StatusBadRequest, "CertificateParseError"),
		Entry("invalid subject", func() any {
			return ca.SignRequest{CertificateRequest: csrFor("Node A", "node-a"), Profile: "server"}
		}, http.StatusBadRequest, "InvalidSubjectError"),
		Entry("not JSON", func() any { return "][" }, http.StatusBadRequest, "CertificateParseError"),
	)

	It("refuses subjects the admission policy does not admit", func() {
		server.Admission = ca.Admission{Mode: ca.AdmitMembers, Members: []string{"node-a"}}
		rec := do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-b", "node-b"), Profile: "server"})
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(errorReason(rec)).To(Equal("InvalidSubjectError"))

		rec = do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "server"})
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("reports signing unavailable without the intermediate key", func() {
		Expect(auth.Store().Delete(storage.KindKey, ca.IntermediateName)).To(Succeed())
		rec := do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "server"})
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		Expect(errorReason(rec)).To(Equal("SigningUnavailableError"))
	})

	It("counts requests in the metrics", func() {
		do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "server"})
		do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "bogus"})
		rec := do(h, "GET", "/metrics", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`cluster_ca_sign_requests_total{profile="server",result="ok"} 1`))
		Expect(rec.Body.String()).To(ContainSubstring(`cluster_ca_sign_requests_total{profile="invalid",result="UnknownRoleError"} 1`))
	})

	It("labels metrics with parsed roles only", func() {
		do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: " Server "})
		for _, p := range []string{"bogus-1", "bogus-2", "x\ny"} {
			do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: p})
		}
		do(h, "POST", "/api/v1/sign", ca.SignRequest{CertificateRequest: csrFor("node-a", "node-a"), Profile: "junk", Label: "other-ca"})

		body := do(h, "GET", "/metrics", nil).Body.String()
		Expect(body).To(ContainSubstring(`cluster_ca_sign_requests_total{profile="server",result="ok"} 1`))
		Expect(body).To(ContainSubstring(`cluster_ca_sign_requests_total{profile="invalid",result="UnknownRoleError"} 3`))
		Expect(body).To(ContainSubstring(`cluster_ca_sign_requests_total{profile="invalid",result="SigningUnavailableError"} 1`))
		Expect(body).NotTo(ContainSubstring("bogus"))
		Expect(body).NotTo(ContainSubstring("junk"))
	})

	It("serves the trust bundle", func() {
		rec := do(h, "GET", "/api/v1/trust-bundle", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		b, err := ca.ParseBundle(rec.Body.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Certificates).To(HaveLen(2))
		Expect(b.Certificates[0].IsCA).To(BeTrue())
		Expect(b.Certificates[0].MaxPathLenZero).To(BeTrue())
	})

	It("lists expirations and exports days remaining", func() {
		_, err := auth.Issue(context.Background(), ca.IssueRequest{Subject: "node-a", SANs: []string{"node-a"},
			Role: ca.RoleServer, Mode: ca.Local{Intermediate: mustIntermediate(auth)}})
		Expect(err).NotTo(HaveOccurred())

		rec := do(h, "GET", "/api/v1/expirations?threshold_days=400", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp api.ExpirationsResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.ThresholdDays).To(Equal(400))
		Expect(resp.Certificates).To(HaveLen(3))
		byRole := map[string]api.Expiration{}
		for _, e := range resp.Certificates {
			byRole[e.Role] = e
		}
		Expect(byRole["server"].Action).To(Equal("must_renew"))
		Expect(byRole["server"].RemainingDays).To(BeNumerically("~", 365, 1))
		Expect(byRole["root"].Action).To(Equal("ok"))

		metrics := do(h, "GET", "/metrics", nil).Body.String()
		Expect(metrics).To(ContainSubstring(`cluster_ca_certificate_days_remaining{role="server",subject="node-a"}`))

		Expect(do(h, "GET", "/api/v1/expirations?threshold_days=-1", nil).Code).To(Equal(http.StatusBadRequest))
		Expect(do(h, "GET", "/api/v1/expirations?threshold_days=x", nil).Code).To(Equal(http.StatusBadRequest))
	})

	It("signs for a member that issues through the remote mode", func() {
		srv := httptest.NewServer(h)
		DeferCleanup(srv.Close)

		member := newAuthority()
		leaf, err := member.Issue(context.Background(), ca.IssueRequest{
			Subject: "node-b",
			SANs:    []string{"node-b", "10.0.0.2"},
			Role:    ca.RolePeer,
			Mode:    ca.Remote{Endpoint: srv.URL, Client: srv.Client()},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(leaf.KeyPEM).NotTo(BeEmpty())

		bundle, err := auth.TrustBundle()
		Expect(err).NotTo(HaveOccurred())
		chain, err := member.Store().Get(storage.KindChain, ca.MemberChainName("node-b"))
		Expect(err).NotTo(HaveOccurred())
		Expect(chain).To(Equal(bundle.PEM))
		Expect(bundle.Verify(leaf.Cert, auth.Now(), x509.ExtKeyUsageClientAuth)).To(Succeed())
	})
})

func mustIntermediate(a *ca.Authority) *ca.CertificateAuthority {
	inter, err := a.LoadIntermediate()
	Expect(err).NotTo(HaveOccurred())
	return inter
}

var _ = Describe("mTLS authorization", func() {
	var (
		auth    *ca.Authority
		srv     *httptest.Server
		roots   *x509.CertPool
		clients map[string]*http.Client
	)

	issueKeyPair := func(subject string, role ca.Role, sans ...string) tls.Certificate {
		leaf, err := auth.Issue(context.Background(), ca.IssueRequest{Subject: subject, SANs: sans, Role: role,
			Mode: ca.Local{Intermediate: mustIntermediate(auth)}})
		Expect(err).NotTo(HaveOccurred())
		pair, err := tls.X509KeyPair(append(append([]byte{}, leaf.CertPEM...), leaf.BundlePEM...), leaf.KeyPEM)
		Expect(err).NotTo(HaveOccurred())
		return pair
	}

	BeforeEach(func() {
		auth = newAuthority()
		initAuthority(auth)
		bundle, err := auth.TrustBundle()
		Expect(err).NotTo(HaveOccurred())
		roots = x509.NewCertPool()
		roots.AddCert(bundle.Certificates[1])

		server := api.New(auth)
		server.AuthConfig = api.NewAuthConfig(bundle, []string{"admin"})
		srv = httptest.NewUnstartedServer(server.Routes())
		srv.TLS = &tls.Config{
			Certificates: []tls.Certificate{issueKeyPair("ca-server", ca.RoleServer, "127.0.0.1")},
			ClientAuth:   tls.RequestClientCert,
		}
		srv.StartTLS()
		DeferCleanup(srv.Close)

		clients = map[string]*http.Client{}
		for name, certs := range map[string][]tls.Certificate{
			"anonymous": nil,
			"node-a":    {issueKeyPair("node-a", ca.RoleClient)},
			"admin":     {issueKeyPair("admin", ca.RoleClient)},
		} {
			clients[name] = &http.Client{Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: roots, Certificates: certs},
			}}
		}
	})

	post := func(client, cn string) int {
		body, err := json.Marshal(ca.SignRequest{CertificateRequest: csrFor(cn, cn), Profile: "server"})
		Expect(err).NotTo(HaveOccurred())
		resp, err := clients[client].Post(srv.URL+"/api/v1/sign", "application/json", bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		return resp.StatusCode
	}

	get := func(client, path string) int {
		resp, err := clients[client].Get(srv.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		return resp.StatusCode
	}

	It("serves public endpoints without a client certificate", func() {
		Expect(get("anonymous", "/api/v1/trust-bundle")).To(Equal(http.StatusOK))
		Expect(get("anonymous", "/healthz/live")).To(Equal(http.StatusOK))
	})

	It("lets members sign only for themselves", func() {
		Expect(post("anonymous", "node-a")).To(Equal(http.StatusForbidden))
		Expect(post("node-a", "node-a")).To(Equal(http.StatusOK))
		Expect(post("node-a", "node-b")).To(Equal(http.StatusForbidden))
		Expect(post("admin", "node-b")).To(Equal(http.StatusOK))
	})

	It("keeps expirations for administrators", func() {
		Expect(get("node-a", "/api/v1/expirations")).To(Equal(http.StatusForbidden))
		Expect(get("admin", "/api/v1/expirations")).To(Equal(http.StatusOK))
	})

	It("rejects client certificates from another CA", func() {
		keyPEM, certPEM, err := testutil.GenerateCert("node-a", false, auth.Now().AddDate(0, 0, -1), auth.Now().AddDate(0, 0, 1))
		Expect(err).NotTo(HaveOccurred())
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		Expect(err).NotTo(HaveOccurred())
		clients["stranger"] = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: roots, Certificates: []tls.Certificate{pair}},
		}}
		Expect(post("stranger", "node-a")).To(Equal(http.StatusForbidden))
		Expect(strings.HasPrefix(srv.URL, "https://")).To(BeTrue())
	})
})
