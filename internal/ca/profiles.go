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
	"crypto/elliptic"
	"crypto/x509"
	"slices"
	"strings"
	"time"
)

// Role names a class of certificate.
type Role string

const (
	RoleRoot         Role = "root"
	RoleIntermediate Role = "intermediate"
	RoleServer       Role = "server"
	RolePeer         Role = "peer"
	RoleClient       Role = "client"
)

// KeyAlgorithm selects the key type generated for a profile.
type KeyAlgorithm string

const (
	KeyRSA   KeyAlgorithm = "rsa"
	KeyECDSA KeyAlgorithm = "ecdsa"
)

const year = 365 * 24 * time.Hour

// SigningProfile is the fixed policy for one role.
type SigningProfile struct {
	Role         Role
	KeyAlgorithm KeyAlgorithm
	RSABits      int
	Curve        elliptic.Curve
	Validity     time.Duration

	IsCA       bool
	MaxPathLen int

	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	// RequiresSAN is set for roles whose certificates are presented by a
	// listening endpoint.
	RequiresSAN bool
	// PermittedDNSDomains, when non-empty, restricts DNS SANs to these
	// domains and their subdomains.
	PermittedDNSDomains []string
}

var profiles = map[Role]SigningProfile{
	RoleRoot: {
		Role:         RoleRoot,
		KeyAlgorithm: KeyRSA,
		RSABits:      4096,
		Validity:     10 * year,
		IsCA:         true,
		MaxPathLen:   -1,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	},
	RoleIntermediate: {
		Role:         RoleIntermediate,
		KeyAlgorithm: KeyRSA,
		RSABits:      2048,
		Validity:     8 * year,
		IsCA:         true,
		MaxPathLen:   0,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	},
	RoleServer: {
		Role:         RoleServer,
		KeyAlgorithm: KeyRSA,
		RSABits:      2048,
		Validity:     year,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		RequiresSAN:  true,
	},
	RolePeer: {
		Role:         RolePeer,
		KeyAlgorithm: KeyRSA,
		RSABits:      2048,
		Validity:     year,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		RequiresSAN:  true,
	},
	RoleClient: {
		Role:         RoleClient,
		KeyAlgorithm: KeyRSA,
		RSABits:      2048,
		Validity:     year,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	},
}

// Roles returns every recognized role, CA roles first.
func Roles() []Role {
	return []Role{RoleRoot, RoleIntermediate, RoleServer, RolePeer, RoleClient}
}

// LeafRoles returns the roles that Issue accepts.
func LeafRoles() []Role {
	return []Role{RoleServer, RolePeer, RoleClient}
}

// ProfileFor returns a copy of the profile for role.
func ProfileFor(role Role) (SigningProfile, error) {
	p, ok := profiles[role]
	if !ok {
		return SigningProfile{}, errorf("profile", "", role, ErrUnknownRole,
			"recognized roles are %s", joinRoles(Roles()))
	}
	p.ExtKeyUsage = slices.Clone(p.ExtKeyUsage)
	return p, nil
}

// ParseRole converts user input into a Role.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[role]; !ok {
		return "", errorf("profile", "", Role(s), ErrUnknownRole,
			"recognized roles are %s", joinRoles(Roles()))
	}
	return role, nil
}

// ParseKeyAlgorithm converts user input into a KeyAlgorithm. Empty input
// selects RSA.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rsa":
		return KeyRSA, nil
	case "ecdsa", "ec":
		return KeyECDSA, nil
	}
	return "", errorf("profile", "", "", ErrProfileMismatch, "unknown key algorithm %q (want rsa or ecdsa)", s)
}

// WithKeyAlgorithm returns p switched to alg. ECDSA profiles use P-256; RSA
// profiles keep their configured size.
func WithKeyAlgorithm(p SigningProfile, alg KeyAlgorithm) SigningProfile {
	p.KeyAlgorithm = alg
	switch alg {
	case KeyECDSA:
		p.Curve = elliptic.P256()
		// ECDSA keys cannot encipher; leaf usages drop KeyEncipherment.
		p.KeyUsage &^= x509.KeyUsageKeyEncipherment
	case KeyRSA:
		if p.RSABits == 0 {
			p.RSABits = 2048
		}
		if !p.IsCA {
			p.KeyUsage |= x509.KeyUsageKeyEncipherment
		}
	}
	return p
}

// IsLeaf reports whether certificates under p are end-entity certificates.
func (p SigningProfile) IsLeaf() bool {
	return !p.IsCA
}

// Permits reports whether every usage in requested is allowed by p.
func (p SigningProfile) Permits(requested []x509.ExtKeyUsage) bool {
	for _, u := range requested {
		if !slices.Contains(p.ExtKeyUsage, u) {
			return false
		}
	}
	return true
}

// PermitsDNSName reports whether name falls within p's permitted domains.
func (p SigningProfile) PermitsDNSName(name string) bool {
	if len(p.PermittedDNSDomains) == 0 {
		return true
	}
	name = strings.ToLower(name)
	for _, d := range p.PermittedDNSDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if name == d || strings.HasSuffix(name, "."+d) {
			return true
		}
	}
	return false
}

func joinRoles(roles []Role) string {
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, ", ")
}
