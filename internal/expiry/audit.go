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

// Package expiry classifies stored certificates by remaining lifetime and
// drives renewal of the ones that are due.
package expiry

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"time"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

// DefaultThresholdDays is used when a non-positive threshold is given.
const DefaultThresholdDays = 30

const day = 24 * time.Hour

// Action is the outcome of auditing one certificate.
type Action string

const (
	ActionOK        Action = "ok"
	ActionWarn      Action = "warn"
	ActionMustRenew Action = "must_renew"
)

// Item is one certificate to audit. Err records a failure to read it.
type Item struct {
	Subject string
	Role    ca.Role
	Name    string
	CertPEM []byte
	Err     error
	// Trust, when set, is the chain the certificate must still verify
	// against.
	Trust *ca.TrustBundle
}

// Decision is the audit result for one Item. OK is false when the
// certificate could not be read or parsed, in which case Action is
// ActionMustRenew and Err says why. Untrusted is set for a readable
// certificate that no longer verifies against its Item's Trust; it is
// must_renew whatever its remaining lifetime.
type Decision struct {
	Subject       string
	Role          ca.Role
	Name          string
	NotAfter      time.Time
	RemainingDays int
	Action        Action
	OK            bool
	Untrusted     bool
	Err           error
}

// RemainingDays returns whole days from now until notAfter, rounded toward
// negative infinity. Both instants are compared in UTC.
func RemainingDays(now, notAfter time.Time) int {
	d := notAfter.UTC().Sub(now.UTC())
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}

// Classify maps remaining days onto an action: below threshold must renew,
// below twice the threshold warns.
func Classify(remainingDays, thresholdDays int) Action {
	switch {
	case remainingDays < thresholdDays:
		return ActionMustRenew
	case remainingDays < 2*thresholdDays:
		return ActionWarn
	default:
		return ActionOK
	}
}

// Decide audits a single item.
func Decide(now time.Time, item Item, thresholdDays int) Decision {
	if thresholdDays <= 0 {
		thresholdDays = DefaultThresholdDays
	}
	d := Decision{Subject: item.Subject, Role: item.Role, Name: item.Name}
	if item.Err != nil {
		d.Action = ActionMustRenew
		d.Err = &ca.Error{Op: "audit", Subject: item.Subject, Role: item.Role, Kind: ca.ErrMaterialIO, Err: item.Err}
		return d
	}
	cert, err := ca.ParseCertificate(item.CertPEM)
	if err != nil {
		d.Action = ActionMustRenew
		d.Err = &ca.Error{Op: "audit", Subject: item.Subject, Role: item.Role, Kind: ca.ErrCertificateParse, Err: err}
		return d
	}
	d.OK = true
	d.NotAfter = cert.NotAfter.UTC()
	d.RemainingDays = RemainingDays(now, cert.NotAfter)
	d.Action = Classify(d.RemainingDays, thresholdDays)
	if item.Trust != nil && d.Action != ActionMustRenew {
		if err := item.Trust.Verify(cert, now); err != nil {
			d.Action = ActionMustRenew
			d.Untrusted = true
			d.Err = &ca.Error{Op: "audit", Subject: item.Subject, Role: item.Role, Kind: ca.ErrCertificateParse,
				Err: fmt.Errorf("not issued by the current intermediate: %w", err)}
		}
	}
	return d
}

// Audit yields one Decision per item, computed on demand. The sequence can
// be ranged over any number of times; each pass re-evaluates the items.
func Audit(now time.Time, items []Item, thresholdDays int) iter.Seq[Decision] {
	return func(yield func(Decision) bool) {
		for _, it := range items {
			if !yield(Decide(now, it, thresholdDays)) {
				return
			}
		}
	}
}

// Collect gathers the root, the intermediate and every member certificate
// from store. Missing CA certificates are skipped; unreadable ones become
// items carrying the read error. Member certificates carry the trust chain
// they must verify against when the store holds one.
func Collect(store *storage.Store) ([]Item, error) {
	var items []Item
	for _, c := range []struct {
		role ca.Role
		name string
	}{{ca.RoleRoot, ca.RootName}, {ca.RoleIntermediate, ca.IntermediateName}} {
		if !store.Exists(storage.KindCert, c.name) {
			continue
		}
		data, err := store.Get(storage.KindCert, c.name)
		items = append(items, Item{Subject: string(c.role), Role: c.role, Name: c.name, CertPEM: data, Err: err})
	}

	members, err := store.ListDirs("members")
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	for _, m := range members {
		var trust *ca.TrustBundle
		if b, err := ca.MemberTrust(store, m); err == nil {
			trust = &b
		}
		names, err := store.List(storage.KindCert, "members/"+m)
		if err != nil {
			return nil, fmt.Errorf("listing certificates of %s: %w", m, err)
		}
		for _, name := range names {
			role, err := ca.ParseRole(path.Base(name))
			if err != nil {
				slog.Debug("Skipping unrecognized certificate", "name", name)
				continue
			}
			data, err := store.Get(storage.KindCert, name)
			items = append(items, Item{Subject: m, Role: role, Name: name, CertPEM: data, Err: err, Trust: trust})
		}
	}
	return items, nil
}

// Renewer re-issues a leaf certificate. *ca.Authority satisfies it.
type Renewer interface {
	Renew(ctx context.Context, subject string, role ca.Role, mode ca.SigningMode) (*ca.LeafCertificate, error)
}

// RenewResult reports what RenewDue did for one must_renew decision.
type RenewResult struct {
	Decision Decision
	Leaf     *ca.LeafCertificate
	// Skipped is set for CA certificates, which are rotated explicitly.
	Skipped bool
	Err     error
}

// RenewDue renews every leaf whose decision is must_renew. One failure does
// not stop the others; a cancelled context does.
func RenewDue(ctx context.Context, r Renewer, mode ca.SigningMode, decisions iter.Seq[Decision]) []RenewResult {
	results := []RenewResult{}
	for d := range decisions {
		if d.Action != ActionMustRenew {
			continue
		}
		res := RenewResult{Decision: d}
		switch {
		case d.Role == ca.RoleRoot || d.Role == ca.RoleIntermediate:
			res.Skipped = true
			slog.Warn("CA certificate is due for rotation", "role", d.Role, "remaining_days", d.RemainingDays)
		case ctx.Err() != nil:
			res.Err = ctx.Err()
		default:
			res.Leaf, res.Err = r.Renew(ctx, d.Subject, d.Role, mode)
			if res.Err != nil {
				slog.Error("Renewal failed", "subject", d.Subject, "role", d.Role, "error", res.Err)
			} else {
				slog.Info("Certificate renewed", "subject", d.Subject, "role", d.Role,
					"serial", res.Leaf.Serial, "not_after", res.Leaf.NotAfter)
			}
		}
		results = append(results, res)
	}
	return results
}
