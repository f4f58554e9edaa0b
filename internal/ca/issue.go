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
	"errors"
	"log/slog"

	"github.com/tvaughan/cluster-ca/internal/ledger"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

// IssueRequest asks for a key and certificate for one subject and role.
type IssueRequest struct {
	Subject string
	SANs    []string
	Role    Role
	Mode    SigningMode
	// Overwrite replaces a certificate that is still valid.
	Overwrite bool
}

// Issue generates, signs and persists a leaf certificate. When an unexpired
// certificate for the same subject and role is already stored, it is
// returned with Reused set and nothing is written, unless Overwrite is set.
// Calls for the same subject are serialized.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (*LeafCertificate, error) {
	const op = "issue"
	subject, role := req.Subject, req.Role

	profile, err := a.Profile(role)
	if err != nil {
		return nil, err
	}
	if !profile.IsLeaf() {
		return nil, errorf(op, subject, role, ErrUnknownRole, "%s is not a leaf role", role)
	}
	if subject == "" {
		return nil, errorf(op, subject, role, ErrInvalidSubject, "subject is empty")
	}
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	dns, ips, err := SplitSANs(req.SANs)
	if err != nil {
		return nil, newError(op, subject, role, ErrInvalidSubject, err)
	}
	if profile.RequiresSAN && len(dns)+len(ips) == 0 {
		return nil, errorf(op, subject, role, ErrInvalidSubject,
			"%s certificates require at least one subject alternative name", role)
	}

	release := a.lockSubject(subject)
	defer release()
	unlock, err := a.store.Lock(ctx, "member-"+subject)
	if err != nil {
		return nil, newError(op, subject, role, ErrMaterialIO, err)
	}
	defer unlock()

	name := MemberName(subject, role)
	if !req.Overwrite {
		if leaf := a.existingLeaf(subject, name, role); leaf != nil {
			slog.Info("Certificate still valid, reusing", "subject", subject, "role", role,
				"serial", leaf.Serial, "not_after", leaf.NotAfter)
			return leaf, nil
		}
	}

	key, _, csrPEM, err := Generate(subject, req.SANs, profile)
	if err != nil {
		return nil, err
	}
	leaf, err := a.Sign(ctx, csrPEM, profile, req.Mode)
	if err != nil {
		return nil, err
	}
	keyPEM, err := EncodeKey(key)
	if err != nil {
		return nil, newError(op, subject, role, ErrMaterialIO, err)
	}

	bundlePEM := leaf.BundlePEM
	if len(bundlePEM) == 0 {
		if bundlePEM, err = a.store.Get(storage.KindChain, TrustBundleName); err != nil {
			return nil, newError(op, subject, role, ErrMaterialIO, err)
		}
	}

	// Everything is built in memory; only now is stored material replaced.
	if err := a.persist(op, subject, role,
		artifact{storage.KindKey, name, keyPEM},
		artifact{storage.KindCSR, name, csrPEM},
		artifact{storage.KindCert, name, leaf.CertPEM},
		artifact{storage.KindChain, MemberChainName(subject), bundlePEM},
	); err != nil {
		return nil, err
	}
	leaf.KeyPEM = keyPEM
	leaf.BundlePEM = bundlePEM
	leaf.Name = name

	if a.ledger != nil {
		_, err := a.ledger.Record(ledger.Record{
			Subject:   subject,
			Role:      string(role),
			SANs:      JoinSANs(dns, ips),
			Serial:    leaf.Serial,
			Issuer:    leaf.Issuer,
			Mode:      ModeName(req.Mode),
			NotBefore: leaf.NotBefore,
			NotAfter:  leaf.NotAfter,
			IssuedAt:  a.now().UTC(),
		})
		if err != nil {
			slog.Warn("Could not record issuance", "subject", subject, "role", role, "error", err)
		}
	}
	return leaf, nil
}

// existingLeaf returns the stored certificate at name when it is still
// valid and verifies against the current trust chain. Unreadable
// certificates, and ones issued by a replaced intermediate, are treated as
// absent so they get replaced.
func (a *Authority) existingLeaf(subject, name string, role Role) *LeafCertificate {
	data, err := a.store.Get(storage.KindCert, name)
	if err != nil {
		return nil
	}
	cert, err := ParseCertificate(data)
	if err != nil {
		slog.Warn("Stored certificate is unreadable, replacing", "name", name, "error", err)
		return nil
	}
	now := a.now()
	if !now.Before(cert.NotAfter) {
		return nil
	}
	trust, err := MemberTrust(a.store, subject)
	if err != nil {
		slog.Warn("No trust chain to check stored certificate against, replacing", "name", name, "error", err)
		return nil
	}
	if err := trust.Verify(cert, now); err != nil {
		slog.Warn("Stored certificate does not chain to the current intermediate, replacing",
			"name", name, "serial", serialString(cert.SerialNumber), "error", err)
		return nil
	}
	leaf := leafFromCert(cert, data, role)
	leaf.Reused = true
	if b, err := a.store.Get(storage.KindChain, MemberChainName(leaf.Subject)); err == nil {
		leaf.BundlePEM = b
	}
	return leaf
}

// Renew re-issues subject's certificate for role with the SANs of the last
// issuance, replacing the stored material once the new certificate exists.
func (a *Authority) Renew(ctx context.Context, subject string, role Role, mode SigningMode) (*LeafCertificate, error) {
	const op = "renew"
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	sans, err := a.previousSANs(subject, role)
	if err != nil {
		profile, perr := a.Profile(role)
		if perr != nil {
			return nil, perr
		}
		if profile.RequiresSAN {
			var e *Error
			if errors.As(err, &e) {
				e.Op = op
				return nil, e
			}
			return nil, newError(op, subject, role, ErrMaterialIO, err)
		}
		slog.Warn("No previous issuance found, renewing without SANs", "subject", subject, "role", role, "error", err)
	}
	slog.Info("Renewing certificate", "subject", subject, "role", role, "sans", sans)
	return a.Issue(ctx, IssueRequest{
		Subject:   subject,
		SANs:      sans,
		Role:      role,
		Mode:      mode,
		Overwrite: true,
	})
}

func (a *Authority) previousSANs(subject string, role Role) ([]string, error) {
	if a.ledger != nil {
		rec, err := a.ledger.Latest(subject, string(role))
		if err == nil && len(rec.SANs) > 0 {
			return rec.SANs, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			slog.Warn("Ledger lookup failed, falling back to stored certificate", "subject", subject, "error", err)
		}
	}
	data, err := a.store.Get(storage.KindCert, MemberName(subject, role))
	if err != nil {
		return nil, newError("renew", subject, role, ErrMaterialIO, err)
	}
	cert, err := ParseCertificate(data)
	if err != nil {
		return nil, newError("renew", subject, role, ErrCertificateParse, err)
	}
	return JoinSANs(cert.DNSNames, cert.IPAddresses), nil
}
