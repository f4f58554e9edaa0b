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

package api

import (
	"context"
	"crypto/x509"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tvaughan/cluster-ca/internal/ca"
)

type authTier int

const (
	tierPublic    authTier = iota // no client cert required
	tierAnyClient                 // any cert chaining to the trust bundle
	tierAdminOnly                 // admin CN only
)

// AuthConfig is the mTLS authorization configuration wired into the server.
// Nil means no mTLS enforcement (plain HTTP / dev mode).
type AuthConfig struct {
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	AllowList     map[string]bool // admin CNs
}

// NewAuthConfig trusts client certificates issued under bundle and treats
// the CNs in admins as administrators.
func NewAuthConfig(bundle ca.TrustBundle, admins []string) *AuthConfig {
	cfg := &AuthConfig{
		Roots:         x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
		AllowList:     make(map[string]bool, len(admins)),
	}
	for _, c := range bundle.Certificates {
		if c.CheckSignatureFrom(c) == nil {
			cfg.Roots.AddCert(c)
		} else {
			cfg.Intermediates.AddCert(c)
		}
	}
	for _, a := range admins {
		cfg.AllowList[a] = true
	}
	return cfg
}

func (c *AuthConfig) isAdmin(cn string) bool {
	return c != nil && c.AllowList[cn]
}

type clientCNKey struct{}

// clientCN returns the verified client certificate CN, if the request
// carried one.
func clientCN(ctx context.Context) (string, bool) {
	cn, ok := ctx.Value(clientCNKey{}).(string)
	return cn, ok
}

// authMiddleware enforces mTLS authorization per endpoint tier. Without an
// AuthConfig every request passes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	cfg := s.AuthConfig
	if cfg == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := lookupTier(r.Method, r.URL.Path)
		if tier == tierPublic {
			next.ServeHTTP(w, r)
			return
		}

		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, http.StatusForbidden, "", "client certificate required")
			return
		}
		clientCert := r.TLS.PeerCertificates[0]
		inters := cfg.Intermediates.Clone()
		for _, c := range r.TLS.PeerCertificates[1:] {
			inters.AddCert(c)
		}
		if _, err := clientCert.Verify(x509.VerifyOptions{
			Roots:         cfg.Roots,
			Intermediates: inters,
			CurrentTime:   s.Authority.Now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}); err != nil {
			slog.Debug("Auth: client cert verification failed",
				"cn", clientCert.Subject.CommonName, "error", err)
			writeError(w, http.StatusForbidden, "", "access denied")
			return
		}

		cn := clientCert.Subject.CommonName
		if tier == tierAdminOnly && !cfg.AllowList[cn] {
			slog.Debug("Auth: admin endpoint refused", "cn", cn, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "", "access denied")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientCNKey{}, cn)))
	})
}

// lookupTier classifies a request into an authorization tier based on method and path.
func lookupTier(method, path string) authTier {
	switch {
	// Probes, metrics and the trust bundle carry no secrets; a member
	// fetches the bundle before it has a client certificate.
	case method == http.MethodGet && strings.HasPrefix(path, "/healthz/"):
		return tierPublic
	case method == http.MethodGet && path == "/metrics":
		return tierPublic
	case method == http.MethodGet && path == "/api/v1/trust-bundle":
		return tierPublic

	// Members request their own certificates; the handler checks that the
	// CSR names the caller.
	case method == http.MethodPost && path == "/api/v1/sign":
		return tierAnyClient

	default:
		return tierAdminOnly
	}
}
