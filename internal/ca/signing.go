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
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

var (
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}

	extKeyUsageByOID = map[string]x509.ExtKeyUsage{
		"2.5.29.37.0":       x509.ExtKeyUsageAny,
		"1.3.6.1.5.5.7.3.1": x509.ExtKeyUsageServerAuth,
		"1.3.6.1.5.5.7.3.2": x509.ExtKeyUsageClientAuth,
	}
)

// SigningMode selects who holds the intermediate key for a signature.
// It is either Local or Remote.
type SigningMode interface {
	modeName() string
}

// Local signs with intermediate key material held by this process.
type Local struct {
	Intermediate *CertificateAuthority
	// SANs, when set, replace the SANs requested in the CSR.
	SANs []string
}

// Remote delegates signing to the signing endpoint of the member that holds
// the intermediate key.
type Remote struct {
	Endpoint string
	// Label names the signer on the remote side. Empty means the
	// authority's own label.
	Label  string
	Client *http.Client
	// SANs, when set, are sent as the host override list.
	SANs []string
}

func (Local) modeName() string  { return "local" }
func (Remote) modeName() string { return "remote" }

// ModeName returns "local", "remote" or "none".
func ModeName(m SigningMode) string {
	if m == nil {
		return "none"
	}
	return m.modeName()
}

// SigningAvailability is what the caller knows about the signing paths on
// this member, resolved once before any signing happens.
type SigningAvailability struct {
	// LocalKey is set when this member is expected to hold the intermediate
	// key.
	LocalKey       bool
	RemoteEndpoint string
	RemoteLabel    string
	Client         *http.Client
}

// SelectMode turns avail into a signing mode. Local key material wins when
// it is present and valid.
func (a *Authority) SelectMode(ctx context.Context, avail SigningAvailability) (SigningMode, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError("select-mode", "", "", ErrSigningUnavailable, err)
	}
	if avail.LocalKey {
		inter, err := a.LoadIntermediate()
		switch {
		case err != nil:
			slog.Debug("Local signing unavailable", "error", err)
		case !inter.HasKey():
			slog.Debug("Local signing unavailable, intermediate key not present")
		case !inter.ValidAt(a.now()):
			slog.Warn("Local signing unavailable, intermediate not valid", "not_after", inter.Cert.NotAfter.UTC())
		default:
			return Local{Intermediate: inter}, nil
		}
	}
	if avail.RemoteEndpoint != "" {
		label := avail.RemoteLabel
		if label == "" {
			label = a.label
		}
		return Remote{Endpoint: avail.RemoteEndpoint, Label: label, Client: avail.Client}, nil
	}
	return nil, errorf("select-mode", "", "", ErrSigningUnavailable,
		"no local intermediate key material and no remote signing endpoint")
}

// LeafCertificate is an issued end-entity certificate.
type LeafCertificate struct {
	Subject   string
	SANs      []string
	Role      Role
	Serial    string
	NotBefore time.Time
	NotAfter  time.Time
	Cert      *x509.Certificate
	CertPEM   []byte
	// KeyPEM is nil when only a CSR was signed, or when an existing
	// certificate was reused.
	KeyPEM    []byte
	BundlePEM []byte
	Issuer    string
	Name      string
	Reused    bool
}

func leafFromCert(cert *x509.Certificate, certPEM []byte, role Role) *LeafCertificate {
	subject := cert.Subject.CommonName
	return &LeafCertificate{
		Subject:   subject,
		SANs:      JoinSANs(cert.DNSNames, cert.IPAddresses),
		Role:      role,
		Serial:    serialString(cert.SerialNumber),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		Cert:      cert,
		CertPEM:   certPEM,
		Issuer:    cert.Issuer.CommonName,
		Name:      MemberName(subject, role),
	}
}

// Sign signs csrPEM under profile using mode. The CSR's SANs and requested
// usages must satisfy the profile.
func (a *Authority) Sign(ctx context.Context, csrPEM []byte, profile SigningProfile, mode SigningMode) (*LeafCertificate, error) {
	const op = "sign"
	if !profile.IsLeaf() {
		return nil, errorf(op, "", profile.Role, ErrProfileMismatch,
			"%s is a CA profile; CA certificates are created by init", profile.Role)
	}
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return nil, newError(op, "", profile.Role, ErrCertificateParse, err)
	}
	subject := csr.Subject.CommonName
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	switch m := mode.(type) {
	case Local:
		return a.signLocal(ctx, csr, profile, m)
	case *Local:
		return a.signLocal(ctx, csr, profile, *m)
	case Remote:
		return a.signRemote(ctx, csrPEM, csr, profile, m)
	case *Remote:
		return a.signRemote(ctx, csrPEM, csr, profile, *m)
	}
	return nil, errorf(op, subject, profile.Role, ErrSigningUnavailable, "no signing mode selected")
}

// checkRequest enforces profile policy on csr and returns the SANs to sign.
func checkRequest(csr *x509.CertificateRequest, profile SigningProfile, override []string) ([]string, []net.IP, error) {
	const op = "sign"
	subject := csr.Subject.CommonName
	mismatch := func(format string, args ...any) error {
		return errorf(op, subject, profile.Role, ErrProfileMismatch, format, args...)
	}

	if err := csr.CheckSignature(); err != nil {
		return nil, nil, mismatch("invalid CSR signature: %v", err)
	}
	for _, ext := range csr.Extensions {
		switch {
		case ext.Id.Equal(oidBasicConstraints):
			var bc struct {
				IsCA bool `asn1:"optional"`
			}
			if _, err := asn1.Unmarshal(ext.Value, &bc); err == nil && bc.IsCA {
				return nil, nil, mismatch("CSR requests CA capabilities")
			}
		case ext.Id.Equal(oidExtKeyUsage):
			var oids []asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(ext.Value, &oids); err != nil {
				return nil, nil, mismatch("unreadable extended key usage: %v", err)
			}
			requested := make([]x509.ExtKeyUsage, 0, len(oids))
			for _, o := range oids {
				u, ok := extKeyUsageByOID[o.String()]
				if !ok || u == x509.ExtKeyUsageAny {
					return nil, nil, mismatch("extended key usage %s is not allowed", o)
				}
				requested = append(requested, u)
			}
			if !profile.Permits(requested) {
				return nil, nil, mismatch("requested extended key usages exceed the %s profile", profile.Role)
			}
		}
	}
	if len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return nil, nil, mismatch("only DNS and IP subject alternative names are supported")
	}

	sans := override
	if len(sans) == 0 {
		sans = JoinSANs(csr.DNSNames, csr.IPAddresses)
	}
	dns, ips, err := SplitSANs(sans)
	if err != nil {
		return nil, nil, mismatch("%v", err)
	}
	if profile.RequiresSAN && len(dns)+len(ips) == 0 {
		return nil, nil, mismatch("%s certificates require at least one subject alternative name", profile.Role)
	}
	for _, d := range dns {
		if !profile.PermitsDNSName(d) {
			return nil, nil, mismatch("%s is outside the permitted DNS domains", d)
		}
	}
	return dns, ips, nil
}

func (a *Authority) signLocal(ctx context.Context, csr *x509.CertificateRequest, profile SigningProfile, m Local) (*LeafCertificate, error) {
	const op = "sign"
	subject := csr.Subject.CommonName
	inter := m.Intermediate
	if !inter.HasKey() {
		return nil, errorf(op, subject, profile.Role, ErrSigningUnavailable, "no local intermediate key material")
	}
	now := a.now().UTC()
	if !inter.ValidAt(now) {
		return nil, errorf(op, subject, profile.Role, ErrSigningUnavailable,
			"intermediate CA is not valid at %s", now.Format(time.RFC3339))
	}

	dns, ips, err := checkRequest(csr, profile, m.SANs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrMaterialIO, fmt.Errorf("generating serial number: %w", err))
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrProfileMismatch, err)
	}

	// A leaf never outlives its issuer.
	notBefore := now.Add(-backdate)
	if notBefore.Before(inter.Cert.NotBefore) {
		notBefore = inter.Cert.NotBefore
	}
	notAfter := now.Add(profile.Validity)
	if notAfter.After(inter.Cert.NotAfter) {
		notAfter = inter.Cert.NotAfter
	}

	keyUsage := profile.KeyUsage
	if _, isRSA := csr.PublicKey.(*rsa.PublicKey); !isRSA {
		keyUsage &^= x509.KeyUsageKeyEncipherment
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           profile.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		AuthorityKeyId:        inter.Cert.SubjectKeyId,
		DNSNames:              dns,
		IPAddresses:           ips,
	}

	var der []byte
	err = inter.withSigner(func(signer crypto.Signer) error {
		var err error
		der, err = x509.CreateCertificate(rand.Reader, template, inter.Cert, csr.PublicKey, signer)
		return err
	})
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrSigningUnavailable, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newError(op, subject, profile.Role, ErrCertificateParse, err)
	}

	leaf := leafFromCert(cert, encodeCert(der), profile.Role)
	if inter.Issuer != nil {
		if b, err := BuildTrustBundle(inter.Issuer, inter); err == nil {
			leaf.BundlePEM = b.PEM
		}
	}
	if leaf.BundlePEM == nil {
		leaf.BundlePEM = inter.CertPEM
	}

	slog.Info("Certificate signed", "subject", subject, "role", profile.Role, "serial", leaf.Serial,
		"mode", "local", "not_after", leaf.NotAfter)
	return leaf, nil
}
