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
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/tvaughan/cluster-ca/internal/storage"
)

// TrustBundle is the verification chain handed to every member:
// intermediate first, root second.
type TrustBundle struct {
	Certificates []*x509.Certificate
	PEM          []byte
}

// BuildTrustBundle concatenates inter and root. It fails when inter was not
// signed by root.
func BuildTrustBundle(root, inter *CertificateAuthority) (TrustBundle, error) {
	if root == nil || inter == nil {
		return TrustBundle{}, errors.New("trust bundle requires both a root and an intermediate")
	}
	if err := inter.Cert.CheckSignatureFrom(root.Cert); err != nil {
		return TrustBundle{}, fmt.Errorf("intermediate %s is not signed by root %s: %w",
			inter.Serial(), root.Serial(), err)
	}
	var buf bytes.Buffer
	for _, c := range []*x509.Certificate{inter.Cert, root.Cert} {
		if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}); err != nil {
			return TrustBundle{}, err
		}
	}
	return TrustBundle{
		Certificates: []*x509.Certificate{inter.Cert, root.Cert},
		PEM:          buf.Bytes(),
	}, nil
}

// ParseBundle parses every CERTIFICATE block in data, in order.
func ParseBundle(data []byte) (TrustBundle, error) {
	b := TrustBundle{PEM: data}
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return TrustBundle{}, fmt.Errorf("parsing bundle certificate %d: %w", len(b.Certificates), err)
		}
		b.Certificates = append(b.Certificates, cert)
	}
	if len(b.Certificates) == 0 {
		return TrustBundle{}, errors.New("no certificates in bundle")
	}
	return b, nil
}

// Verify checks leaf against the bundle at time at (now if zero). Self-signed
// bundle members are trust anchors; the rest are intermediates.
func (b TrustBundle) Verify(leaf *x509.Certificate, at time.Time, usages ...x509.ExtKeyUsage) error {
	roots := x509.NewCertPool()
	inters := x509.NewCertPool()
	for _, c := range b.Certificates {
		if bytes.Equal(c.RawSubject, c.RawIssuer) && c.CheckSignatureFrom(c) == nil {
			roots.AddCert(c)
		} else {
			inters.AddCert(c)
		}
	}
	if len(usages) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		CurrentTime:   at,
		KeyUsages:     usages,
	})
	return err
}

// TrustBundle loads the stored cluster trust bundle.
func (a *Authority) TrustBundle() (TrustBundle, error) {
	data, err := a.store.Get(storage.KindChain, TrustBundleName)
	if err != nil {
		return TrustBundle{}, newError("trust-bundle", "", "", ErrMaterialIO, err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return TrustBundle{}, newError("trust-bundle", "", "", ErrCertificateParse, err)
	}
	return b, nil
}

// MemberTrust returns the chain subject's leaves must verify against: the
// cluster trust bundle, or the member's own copy on hosts that only hold
// member material.
func MemberTrust(store *storage.Store, subject string) (TrustBundle, error) {
	data, err := store.Get(storage.KindChain, TrustBundleName)
	if errors.Is(err, storage.ErrNotFound) {
		data, err = store.Get(storage.KindChain, MemberChainName(subject))
	}
	if err != nil {
		return TrustBundle{}, newError("trust-bundle", subject, "", ErrMaterialIO, err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return TrustBundle{}, newError("trust-bundle", subject, "", ErrCertificateParse, err)
	}
	return b, nil
}
