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
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tvaughan/cluster-ca/internal/storage"
)

// InitOptions controls replacement of a CA that is still valid.
type InitOptions struct {
	// Force asks for a new CA even if a valid one exists.
	Force bool
	// Override confirms Force against a valid CA. Force alone against a
	// valid CA fails with ErrCAExists.
	Override bool
}

// InitRoot returns the stored root CA, creating it when none exists or the
// existing one has expired. Concurrent callers sharing a store directory
// are serialized by the store's "ca" lock; the loser returns the winner's
// root.
func (a *Authority) InitRoot(ctx context.Context, opts InitOptions) (*CertificateAuthority, error) {
	const op = "init-root"

	unlock, err := a.store.Lock(ctx, "ca")
	if err != nil {
		return nil, newError(op, "", RoleRoot, ErrMaterialIO, err)
	}
	defer unlock()

	existing, err := a.loadCA(op, RoleRoot, RootName)
	regenerate, err := a.decide(op, RoleRoot, existing, err, opts)
	if err != nil {
		return nil, err
	}
	if !regenerate {
		slog.Info("Root CA already present", "cn", existing.CommonName(), "serial", existing.Serial(),
			"not_after", existing.Cert.NotAfter.UTC())
		a.setRoot(existing)
		return existing, nil
	}

	root, err := a.createRoot(op)
	if err != nil {
		return nil, err
	}
	a.setRoot(root)
	return root, nil
}

// InitIntermediate returns the stored intermediate CA, creating it with
// root's key when none exists, when it has expired, or when it no longer
// chains to root. The trust bundle is rewritten whenever it differs from the
// one built from root and the returned intermediate.
func (a *Authority) InitIntermediate(ctx context.Context, root *CertificateAuthority, opts InitOptions) (*CertificateAuthority, error) {
	const op = "init-intermediate"

	if root == nil {
		var err error
		if root, err = a.LoadRoot(); err != nil {
			return nil, err
		}
	}

	unlock, err := a.store.Lock(ctx, "ca")
	if err != nil {
		return nil, newError(op, "", RoleIntermediate, ErrMaterialIO, err)
	}
	defer unlock()

	existing, err := a.loadCA(op, RoleIntermediate, IntermediateName)
	if err == nil {
		if sigErr := existing.Cert.CheckSignatureFrom(root.Cert); sigErr != nil {
			slog.Warn("Intermediate CA does not chain to the current root, regenerating",
				"serial", existing.Serial(), "root_serial", root.Serial(), "error", sigErr)
			existing, err = nil, errors.Join(storage.ErrNotFound, sigErr)
		} else {
			existing.Issuer = root
		}
	}
	regenerate, err := a.decide(op, RoleIntermediate, existing, err, opts)
	if err != nil {
		return nil, err
	}

	inter := existing
	if regenerate {
		if inter, err = a.createIntermediate(op, root); err != nil {
			return nil, err
		}
	} else {
		slog.Info("Intermediate CA already present", "cn", inter.CommonName(), "serial", inter.Serial(),
			"not_after", inter.Cert.NotAfter.UTC())
	}

	if err := a.writeTrustBundle(op, root, inter); err != nil {
		return nil, err
	}
	a.setIntermediate(inter)
	return inter, nil
}

// decide applies the idempotency rule to a loaded CA. loadErr is the error
// from loading it.
func (a *Authority) decide(op string, role Role, existing *CertificateAuthority, loadErr error, opts InitOptions) (bool, error) {
	replace := opts.Force && opts.Override
	switch {
	case loadErr == nil:
		if !a.now().Before(existing.Cert.NotAfter) {
			slog.Warn("CA certificate expired, regenerating", "role", role,
				"serial", existing.Serial(), "not_after", existing.Cert.NotAfter.UTC())
			return true, nil
		}
		if opts.Force && !opts.Override {
			return false, errorf(op, "", role, ErrCAExists,
				"%s (serial %s) is valid until %s; override is required to replace it",
				existing.Name, existing.Serial(), existing.Cert.NotAfter.UTC().Format(time.RFC3339))
		}
		if replace {
			slog.Warn("Replacing valid CA on explicit override", "role", role, "serial", existing.Serial())
			return true, nil
		}
		return false, nil
	case errors.Is(loadErr, storage.ErrNotFound):
		slog.Info("No CA found, bootstrapping", "role", role)
		return true, nil
	case replace:
		slog.Warn("Replacing unreadable CA on explicit override", "role", role, "error", loadErr)
		return true, nil
	default:
		// Files exist but cannot be used; never clobber them implicitly.
		return false, loadErr
	}
}

func (a *Authority) createRoot(op string) (*CertificateAuthority, error) {
	profile, err := a.Profile(RoleRoot)
	if err != nil {
		return nil, err
	}
	key, err := newKey(profile)
	if err != nil {
		return nil, newError(op, "", RoleRoot, ErrMaterialIO, fmt.Errorf("generating root key: %w", err))
	}
	ski, err := subjectKeyID(key.Public())
	if err != nil {
		return nil, newError(op, "", RoleRoot, ErrMaterialIO, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, newError(op, "", RoleRoot, ErrMaterialIO, fmt.Errorf("generating serial number: %w", err))
	}

	now := a.now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   a.rootCN(),
			Organization: []string{a.cluster},
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(profile.Validity),
		KeyUsage:              profile.KeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, newError(op, "", RoleRoot, ErrMaterialIO, fmt.Errorf("creating root certificate: %w", err))
	}
	return a.storeCA(op, RoleRoot, RootName, key, der, nil)
}

func (a *Authority) createIntermediate(op string, root *CertificateAuthority) (*CertificateAuthority, error) {
	now := a.now().UTC()
	if !root.HasKey() {
		return nil, errorf(op, "", RoleIntermediate, ErrSigningUnavailable, "root key material is not available")
	}
	if !root.ValidAt(now) {
		return nil, errorf(op, "", RoleIntermediate, ErrSigningUnavailable,
			"root CA expired at %s", root.Cert.NotAfter.UTC().Format(time.RFC3339))
	}

	profile, err := a.Profile(RoleIntermediate)
	if err != nil {
		return nil, err
	}
	key, csr, csrPEM, err := Generate(a.intermediateCN(), nil, profile)
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, newError(op, "", RoleIntermediate, ErrMaterialIO, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, newError(op, "", RoleIntermediate, ErrMaterialIO, fmt.Errorf("generating serial number: %w", err))
	}

	// The root's window must contain the intermediate's.
	notBefore := now.Add(-backdate)
	if notBefore.Before(root.Cert.NotBefore) {
		notBefore = root.Cert.NotBefore
	}
	notAfter := now.Add(profile.Validity)
	if notAfter.After(root.Cert.NotAfter) {
		notAfter = root.Cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   csr.Subject.CommonName,
			Organization: []string{a.cluster},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              profile.KeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            profile.MaxPathLen,
		MaxPathLenZero:        profile.MaxPathLen == 0,
		SubjectKeyId:          ski,
		AuthorityKeyId:        root.Cert.SubjectKeyId,
	}

	var der []byte
	err = root.withSigner(func(signer crypto.Signer) error {
		var err error
		der, err = x509.CreateCertificate(rand.Reader, template, root.Cert, csr.PublicKey, signer)
		return err
	})
	if err != nil {
		return nil, newError(op, "", RoleIntermediate, ErrSigningUnavailable, fmt.Errorf("signing intermediate: %w", err))
	}
	return a.storeCA(op, RoleIntermediate, IntermediateName, key, der, root,
		artifact{storage.KindCSR, IntermediateName, csrPEM})
}

// storeCA persists a freshly built CA and any extra artifacts as one batch,
// and returns it with the key sealed.
func (a *Authority) storeCA(op string, role Role, name string, key crypto.Signer, der []byte, issuer *CertificateAuthority, extra ...artifact) (*CertificateAuthority, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, newError(op, "", role, ErrCertificateParse, err)
	}
	keyPEM, err := EncodeKey(key)
	if err != nil {
		return nil, newError(op, "", role, ErrMaterialIO, err)
	}
	certPEM := encodeCert(der)
	items := append([]artifact{
		{storage.KindKey, name, keyPEM},
		{storage.KindCert, name, certPEM},
	}, extra...)
	if err := a.persist(op, "", role, items...); err != nil {
		return nil, err
	}

	slog.Info("CA created", "role", role, "cn", cert.Subject.CommonName, "serial", serialString(cert.SerialNumber),
		"not_after", cert.NotAfter.UTC())
	return &CertificateAuthority{
		Role:    role,
		Name:    name,
		Cert:    cert,
		CertPEM: certPEM,
		Issuer:  issuer,
		key:     sealKey(keyPEM),
	}, nil
}

// writeTrustBundle rebuilds the bundle and, when it changed, rewrites it and
// every member's copy in one batch.
func (a *Authority) writeTrustBundle(op string, root, inter *CertificateAuthority) error {
	bundle, err := BuildTrustBundle(root, inter)
	if err != nil {
		return newError(op, "", RoleIntermediate, ErrCertificateParse, err)
	}
	current, err := a.store.Get(storage.KindChain, TrustBundleName)
	if err == nil && bytes.Equal(current, bundle.PEM) {
		return nil
	}
	members, err := a.store.ListDirs("members")
	if err != nil {
		return newError(op, "", RoleIntermediate, ErrMaterialIO, err)
	}
	items := []artifact{{storage.KindChain, TrustBundleName, bundle.PEM}}
	var refreshed []string
	for _, m := range members {
		if !a.store.Exists(storage.KindChain, MemberChainName(m)) {
			continue
		}
		items = append(items, artifact{storage.KindChain, MemberChainName(m), bundle.PEM})
		refreshed = append(refreshed, m)
	}
	if err := a.persist(op, "", RoleIntermediate, items...); err != nil {
		return err
	}
	slog.Info("Trust bundle written", "intermediate_serial", inter.Serial(), "root_serial", root.Serial(),
		"member_copies", len(refreshed))
	for _, m := range refreshed {
		slog.Debug("Member trust bundle refreshed", "subject", m)
	}
	return nil
}
