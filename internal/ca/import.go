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
	"errors"
	"log/slog"

	"github.com/tvaughan/cluster-ca/internal/storage"
)

// Import stores an externally created root or intermediate CA. keyPEM may be
// nil for a certificate-only import, which is how members that only verify
// hold the root. An intermediate must chain to the stored root. A different
// CA that is still valid is only replaced under opts.Force and
// opts.Override; importing the same certificate again is a no-op.
func (a *Authority) Import(ctx context.Context, role Role, certPEM, keyPEM []byte, opts InitOptions) (*CertificateAuthority, error) {
	const op = "import"

	var name string
	switch role {
	case RoleRoot:
		name = RootName
	case RoleIntermediate:
		name = IntermediateName
	default:
		return nil, errorf(op, "", role, ErrUnknownRole, "only root and intermediate CAs can be imported")
	}

	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, newError(op, "", role, ErrCertificateParse, err)
	}
	if !cert.IsCA {
		return nil, errorf(op, "", role, ErrProfileMismatch, "certificate is not a CA certificate")
	}
	if !a.now().Before(cert.NotAfter) {
		return nil, errorf(op, "", role, ErrProfileMismatch, "certificate expired at %s", cert.NotAfter.UTC())
	}
	if keyPEM != nil {
		key, err := ParseKey(keyPEM)
		if err != nil {
			return nil, newError(op, "", role, ErrCertificateParse, err)
		}
		if !publicKeysEqual(key.Public(), cert.PublicKey) {
			return nil, errorf(op, "", role, ErrProfileMismatch, "private key does not match the certificate")
		}
	}

	unlock, err := a.store.Lock(ctx, "ca")
	if err != nil {
		return nil, newError(op, "", role, ErrMaterialIO, err)
	}
	defer unlock()

	var root *CertificateAuthority
	if role == RoleIntermediate {
		if root, err = a.loadCA(op, RoleRoot, RootName); err != nil {
			return nil, err
		}
		if err := cert.CheckSignatureFrom(root.Cert); err != nil {
			return nil, newError(op, "", role, ErrProfileMismatch, err)
		}
		if cert.MaxPathLen != 0 || !cert.MaxPathLenZero {
			slog.Warn("Imported intermediate is not path-length constrained", "cn", cert.Subject.CommonName)
		}
	}

	existing, err := a.loadCA(op, role, name)
	switch {
	case err == nil && bytes.Equal(existing.Cert.Raw, cert.Raw) && (keyPEM == nil || existing.HasKey()):
		slog.Info("CA already imported", "role", role, "serial", existing.Serial())
		existing.Issuer = root
		return existing, nil
	case err == nil && a.now().Before(existing.Cert.NotAfter) && !(opts.Force && opts.Override):
		return nil, errorf(op, "", role, ErrCAExists,
			"a different %s CA (serial %s) is still valid; override is required to replace it", role, existing.Serial())
	case err != nil && !errors.Is(err, storage.ErrNotFound) && !(opts.Force && opts.Override):
		return nil, err
	}

	items := []artifact{{storage.KindCert, name, encodeCert(cert.Raw)}}
	if keyPEM != nil {
		items = append([]artifact{{storage.KindKey, name, keyPEM}}, items...)
	} else if a.store.Exists(storage.KindKey, name) {
		// A stale key next to a new certificate would never load.
		if err := a.store.Delete(storage.KindKey, name); err != nil {
			return nil, newError(op, "", role, ErrMaterialIO, err)
		}
	}
	if err := a.persist(op, "", role, items...); err != nil {
		return nil, err
	}

	imported, err := a.loadCA(op, role, name)
	if err != nil {
		return nil, err
	}
	imported.Issuer = root
	if role == RoleIntermediate {
		if err := a.writeTrustBundle(op, root, imported); err != nil {
			return nil, err
		}
		a.setIntermediate(imported)
	} else {
		a.setRoot(imported)
	}
	slog.Info("CA imported", "role", role, "cn", imported.CommonName(), "serial", imported.Serial(), "with_key", imported.HasKey())
	return imported, nil
}
