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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
)

var (
	subjectRegex  = regexp.MustCompile(`^[a-z0-9._-]+$`)
	hostnameRegex = regexp.MustCompile(`^(\*\.)?[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
)

// ValidateSubject returns an error if subject contains unsafe characters.
// Subjects double as directory names in the Material Store.
func ValidateSubject(subject string) error {
	if !subjectRegex.MatchString(subject) || strings.Contains(subject, "..") {
		return errorf("validate", subject, "", ErrInvalidSubject,
			"subject must match ^[a-z0-9._-]+$ and must not contain ..")
	}
	return nil
}

// SplitSANs separates hostnames from IP literals. Hostnames are lower-cased,
// duplicates are dropped and input order is kept.
func SplitSANs(sans []string) ([]string, []net.IP, error) {
	var dns []string
	var ips []net.IP
	seen := make(map[string]bool, len(sans))
	for _, raw := range sans {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
			continue
		}
		if len(s) > 253 || !hostnameRegex.MatchString(s) {
			return nil, nil, fmt.Errorf("%q is neither a hostname nor an IP address", raw)
		}
		dns = append(dns, s)
	}
	return dns, ips, nil
}

// JoinSANs is the inverse of SplitSANs.
func JoinSANs(dns []string, ips []net.IP) []string {
	out := make([]string, 0, len(dns)+len(ips))
	out = append(out, dns...)
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}

// Generate creates a key pair for profile and a CSR for subject carrying the
// given SANs. Nothing is persisted.
func Generate(subject string, sans []string, profile SigningProfile) (crypto.Signer, *x509.CertificateRequest, []byte, error) {
	if subject == "" {
		return nil, nil, nil, errorf("generate", subject, profile.Role, ErrInvalidSubject, "subject is empty")
	}
	if err := ValidateSubject(subject); err != nil {
		return nil, nil, nil, err
	}
	dns, ips, err := SplitSANs(sans)
	if err != nil {
		return nil, nil, nil, newError("generate", subject, profile.Role, ErrInvalidSubject, err)
	}
	if profile.RequiresSAN && len(dns)+len(ips) == 0 {
		return nil, nil, nil, errorf("generate", subject, profile.Role, ErrInvalidSubject,
			"%s certificates require at least one subject alternative name", profile.Role)
	}

	key, err := newKey(profile)
	if err != nil {
		return nil, nil, nil, newError("generate", subject, profile.Role, ErrMaterialIO, err)
	}

	template := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: subject},
		DNSNames:    dns,
		IPAddresses: ips,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, nil, newError("generate", subject, profile.Role, ErrMaterialIO,
			fmt.Errorf("creating CSR: %w", err))
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, nil, newError("generate", subject, profile.Role, ErrCertificateParse, err)
	}

	slog.Debug("Generated key and CSR", "subject", subject, "role", profile.Role, "algorithm", profile.KeyAlgorithm)
	return key, csr, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

func newKey(profile SigningProfile) (crypto.Signer, error) {
	switch profile.KeyAlgorithm {
	case KeyECDSA:
		curve := profile.Curve
		if curve == nil {
			curve = elliptic.P256()
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	case KeyRSA, "":
		bits := profile.RSABits
		if bits == 0 {
			bits = 2048
		}
		if bits >= 4096 {
			slog.Debug("Generating RSA key, this may take a moment", "bits", bits)
		}
		return rsa.GenerateKey(rand.Reader, bits)
	}
	return nil, fmt.Errorf("unsupported key algorithm %q", profile.KeyAlgorithm)
}

// EncodeKey PEM-encodes key as PKCS#8.
func EncodeKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKey accepts PKCS#1 RSA, SEC 1 EC and PKCS#8 private keys.
func ParseKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", k)
	}
	return signer, nil
}

// ParseCertificate decodes the first CERTIFICATE block in data.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no CERTIFICATE PEM block found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		return x509.ParseCertificate(block.Bytes)
	}
}

// ParseCSR decodes and parses a PEM certificate request.
func ParseCSR(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("no CERTIFICATE REQUEST PEM block found")
	}
	return x509.ParseCertificateRequest(block.Bytes)
}

func encodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
