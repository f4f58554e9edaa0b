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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/expiry"
)

const maxRequestBytes = 1 << 20

// invalidProfile is the metric label for requests naming no known role.
const invalidProfile = "invalid"

// Server exposes the signing endpoint of the member holding the
// intermediate key, together with read-only views of the CA state.
type Server struct {
	Authority *ca.Authority
	Admission ca.Admission
	// AuthConfig is nil when the server runs without mTLS.
	AuthConfig    *AuthConfig
	Metrics       *Metrics
	ThresholdDays int
}

func New(a *ca.Authority) *Server {
	return &Server{
		Authority:     a,
		Metrics:       NewMetrics(),
		ThresholdDays: expiry.DefaultThresholdDays,
	}
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/healthz/live", s.handleLive)
	r.Get("/healthz/ready", s.handleReady)
	r.Get("/healthz/startup", s.handleStartup)
	r.Handle("/metrics", s.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sign", s.handleSign)
		r.Get("/trust-bundle", s.handleTrustBundle)
		r.Get("/expirations", s.handleExpirations)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, ca.ErrorResponse{Reason: reason, Message: msg})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ca.ErrInvalidSubject),
		errors.Is(err, ca.ErrUnknownRole),
		errors.Is(err, ca.ErrProfileMismatch),
		errors.Is(err, ca.ErrCertificateParse):
		return http.StatusBadRequest
	case errors.Is(err, ca.ErrCAExists):
		return http.StatusConflict
	case errors.Is(err, ca.ErrSigningUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeKindError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), ca.KindName(err), err.Error())
}

// --- Signing ---

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	var req ca.SignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.Metrics.ObserveSign(invalidProfile, ca.KindName(ca.ErrCertificateParse))
		writeError(w, http.StatusBadRequest, ca.KindName(ca.ErrCertificateParse), "invalid request body: "+err.Error())
		return
	}
	slog.Debug("POST sign", "profile", req.Profile, "label", req.Label, "request_id", reqID)

	// Metric labels only ever carry known role names.
	role, roleErr := ca.ParseRole(req.Profile)
	profileLabel := string(role)
	if roleErr != nil {
		profileLabel = invalidProfile
	}

	// A label addressing another signer means this is not the endpoint the
	// caller is looking for.
	if req.Label != "" && req.Label != s.Authority.Label() {
		s.Metrics.ObserveSign(profileLabel, ca.KindName(ca.ErrSigningUnavailable))
		writeError(w, http.StatusNotFound, ca.KindName(ca.ErrSigningUnavailable),
			"no signer with label "+strconv.Quote(req.Label))
		return
	}

	fail := func(err error) {
		slog.Warn("Sign request rejected", "profile", req.Profile, "error", err, "request_id", reqID)
		s.Metrics.ObserveSign(profileLabel, ca.KindName(err))
		writeKindError(w, err)
	}

	if roleErr != nil {
		fail(roleErr)
		return
	}
	profile, err := s.Authority.Profile(role)
	if err != nil {
		fail(err)
		return
	}
	csrPEM := []byte(req.CertificateRequest)
	csr, err := ca.ParseCSR(csrPEM)
	if err != nil {
		fail(&ca.Error{Op: "sign", Role: role, Kind: ca.ErrCertificateParse, Err: err})
		return
	}
	subject := csr.Subject.CommonName

	if cn, ok := clientCN(ctx); ok && !s.AuthConfig.isAdmin(cn) && cn != subject {
		s.Metrics.ObserveSign(profileLabel, "Forbidden")
		writeError(w, http.StatusForbidden, ca.KindName(ca.ErrInvalidSubject),
			"client "+strconv.Quote(cn)+" may not request certificates for "+strconv.Quote(subject))
		return
	}

	admitted, err := s.Admission.Admit(ctx, subject, csrPEM)
	if err != nil {
		fail(&ca.Error{Op: "admit", Subject: subject, Role: role, Kind: ca.ErrMaterialIO, Err: err})
		return
	}
	if !admitted {
		slog.Info("Subject not admitted", "subject", subject, "role", role, "request_id", reqID)
		s.Metrics.ObserveSign(profileLabel, "Forbidden")
		writeError(w, http.StatusForbidden, ca.KindName(ca.ErrInvalidSubject),
			strconv.Quote(subject)+" is not admitted for signing")
		return
	}

	inter, err := s.Authority.LoadIntermediate()
	if err == nil && !inter.HasKey() {
		err = &ca.Error{Op: "sign", Subject: subject, Role: role, Kind: ca.ErrSigningUnavailable,
			Err: errors.New("intermediate key is not held by this member")}
	}
	if err != nil {
		fail(&ca.Error{Op: "sign", Subject: subject, Role: role, Kind: ca.ErrSigningUnavailable, Err: err})
		return
	}

	leaf, err := s.Authority.Sign(ctx, csrPEM, profile, ca.Local{Intermediate: inter, SANs: req.Hosts})
	if err != nil {
		fail(err)
		return
	}
	s.Metrics.ObserveSign(profileLabel, "ok")
	slog.Info("Signed remote request", "subject", subject, "role", role, "serial", leaf.Serial, "request_id", reqID)
	writeJSON(w, http.StatusOK, ca.SignResponse{
		Certificate: string(leaf.CertPEM),
		Bundle:      string(leaf.BundlePEM),
	})
}

// --- Trust bundle ---

func (s *Server) handleTrustBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.Authority.TrustBundle()
	if err != nil {
		writeKindError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(b.PEM)
}

// --- Expirations ---

type Expiration struct {
	Subject       string `json:"subject"`
	Role          string `json:"role"`
	Name          string `json:"name"`
	NotAfter      string `json:"not_after,omitempty"`
	RemainingDays int    `json:"remaining_days"`
	Action        string `json:"action"`
	Error         string `json:"error,omitempty"`
}

// NewExpiration renders an audit decision for JSON output.
func NewExpiration(d expiry.Decision) Expiration {
	e := Expiration{
		Subject:       d.Subject,
		Role:          string(d.Role),
		Name:          d.Name,
		RemainingDays: d.RemainingDays,
		Action:        string(d.Action),
	}
	if d.OK {
		e.NotAfter = d.NotAfter.UTC().Format(time.RFC3339)
	}
	if d.Err != nil {
		e.Error = d.Err.Error()
	}
	return e
}

type ExpirationsResponse struct {
	Now           string       `json:"now"`
	ThresholdDays int          `json:"threshold_days"`
	Certificates  []Expiration `json:"certificates"`
}

func (s *Server) handleExpirations(w http.ResponseWriter, r *http.Request) {
	threshold := s.ThresholdDays
	if v := r.URL.Query().Get("threshold_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "", "threshold_days must be a positive integer")
			return
		}
		threshold = n
	}

	items, err := expiry.Collect(s.Authority.Store())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ca.KindName(ca.ErrMaterialIO), err.Error())
		return
	}
	now := s.Authority.Now()
	resp := ExpirationsResponse{
		Now:           now.UTC().Format(time.RFC3339),
		ThresholdDays: threshold,
		Certificates:  []Expiration{},
	}
	for d := range expiry.Audit(now, items, threshold) {
		s.Metrics.ObserveDecision(d)
		resp.Certificates = append(resp.Certificates, NewExpiration(d))
	}
	writeJSON(w, http.StatusOK, resp)
}
