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
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// SignPath is where the signing endpoint is mounted.
const SignPath = "/api/v1/sign"

const maxResponseBytes = 1 << 20

// SignRequest is the body of a remote signing call.
type SignRequest struct {
	CertificateRequest string   `json:"certificate_request"`
	Profile            string   `json:"profile"`
	Label              string   `json:"label"`
	Hosts              []string `json:"hosts,omitempty"`
}

// SignResponse is the body of a successful remote signing call.
type SignResponse struct {
	Certificate string `json:"certificate"`
	Bundle      string `json:"bundle,omitempty"`
}

// ErrorResponse carries the machine-readable failure reason, which is an
// error kind name such as "ProfileMismatchError".
type ErrorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// SignURL resolves endpoint to the signing URL. A bare host URL gets
// SignPath appended.
func SignURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q must be an http or https URL", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = SignPath
	}
	return u.String(), nil
}

func (a *Authority) signRemote(ctx context.Context, csrPEM []byte, csr *x509.CertificateRequest, profile SigningProfile, m Remote) (*LeafCertificate, error) {
	const op = "sign"
	subject := csr.Subject.CommonName

	// Reject locally what the remote side would reject anyway.
	if _, _, err := checkRequest(csr, profile, m.SANs); err != nil {
		return nil, err
	}
	if m.Endpoint == "" {
		return nil, errorf(op, subject, profile.Role, ErrSigningUnavailable, "no remote signing endpoint")
	}
	target, err := SignURL(m.Endpoint)
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, err)
	}
	label := m.Label
	if label == "" {
		label = a.label
	}

	body, err := json.Marshal(SignRequest{
		CertificateRequest: string(csrPEM),
		Profile:            string(profile.Role),
		Label:              label,
		Hosts:              m.SANs,
	})
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	client := m.Client
	if client == nil {
		client = a.client
	}
	slog.Debug("Requesting remote signature", "subject", subject, "role", profile.Role,
		"endpoint", target, "label", label, "request_id", requestID)
	resp, err := client.Do(req)
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(subject, profile.Role, resp.StatusCode, data)
	}

	var sr SignResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, newError(op, subject, profile.Role, ErrCertificateParse, fmt.Errorf("decoding response: %w", err))
	}
	cert, err := ParseCertificate([]byte(sr.Certificate))
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrCertificateParse, err)
	}
	if !publicKeysEqual(csr.PublicKey, cert.PublicKey) {
		return nil, errorf(op, subject, profile.Role, ErrProfileMismatch, "signed certificate does not carry the requested key")
	}
	if cert.Subject.CommonName != subject {
		return nil, errorf(op, subject, profile.Role, ErrProfileMismatch,
			"signed certificate names %q", cert.Subject.CommonName)
	}

	leaf := leafFromCert(cert, []byte(sr.Certificate), profile.Role)
	if sr.Bundle != "" {
		leaf.BundlePEM = []byte(sr.Bundle)
	}
	slog.Info("Certificate signed", "subject", subject, "role", profile.Role, "serial", leaf.Serial,
		"mode", "remote", "endpoint", target, "request_id", requestID)
	return leaf, nil
}

// remoteError maps a non-200 response to an error kind. Server-side failures
// and responses without a recognized reason mean the signing path is not
// usable right now.
func remoteError(subject string, role Role, status int, body []byte) error {
	var er ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	kind := KindByName(er.Reason)
	if status >= 500 || kind == nil {
		kind = ErrSigningUnavailable
	}
	return errorf("sign", subject, role, kind, "remote signer returned %d: %s", status, msg)
}
