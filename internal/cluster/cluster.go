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

// Package cluster describes the members of a cluster and provisions their
// certificates.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/tvaughan/cluster-ca/internal/ca"
)

// Member is one node of the cluster. Name is its certificate subject; Host
// is the hostname or IP address peers reach it at.
type Member struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
}

// SANs returns the subject alternative names for the member's server and
// peer certificates: its name and its host.
func (m Member) SANs() []string {
	dns, ips, err := ca.SplitSANs([]string{m.Name, m.Host})
	if err != nil {
		return []string{m.Name, m.Host}
	}
	return ca.JoinSANs(dns, ips)
}

// Topology is an ordered, immutable list of members. The zero value is an
// empty topology.
type Topology struct {
	members []Member
}

// NewTopology validates members and returns them as a Topology. Names must be
// valid subjects and unique; hosts must be valid hostnames or IP addresses.
func NewTopology(members ...Member) (Topology, error) {
	seen := make(map[string]bool, len(members))
	out := make([]Member, 0, len(members))
	for i, m := range members {
		if err := ca.ValidateSubject(m.Name); err != nil {
			return Topology{}, fmt.Errorf("member %d: %w", i, err)
		}
		if seen[m.Name] {
			return Topology{}, fmt.Errorf("member %q is listed twice", m.Name)
		}
		seen[m.Name] = true
		if m.Host == "" {
			return Topology{}, fmt.Errorf("member %q has no host", m.Name)
		}
		if _, _, err := ca.SplitSANs([]string{m.Host}); err != nil {
			return Topology{}, fmt.Errorf("member %q: %w", m.Name, err)
		}
		out = append(out, m)
	}
	return Topology{members: out}, nil
}

type topologyFile struct {
	Members []Member `yaml:"members"`
}

// ParseTopology reads a YAML document with a top-level members list.
func ParseTopology(data []byte) (Topology, error) {
	var f topologyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Topology{}, fmt.Errorf("parsing topology: %w", err)
	}
	return NewTopology(f.Members...)
}

// LoadTopology reads a topology file.
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("reading topology %s: %w", path, err)
	}
	return ParseTopology(data)
}

func (t Topology) MarshalYAML() (any, error) {
	return topologyFile{Members: t.Members()}, nil
}

func (t Topology) Len() int { return len(t.members) }

// Members returns a copy of the member list.
func (t Topology) Members() []Member {
	return append([]Member(nil), t.members...)
}

// All yields the members in order.
func (t Topology) All() iter.Seq[Member] {
	return func(yield func(Member) bool) {
		for _, m := range t.members {
			if !yield(m) {
				return
			}
		}
	}
}

// Lookup finds a member by name.
func (t Topology) Lookup(name string) (Member, bool) {
	for _, m := range t.members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// Names returns the member names in order.
func (t Topology) Names() []string {
	names := make([]string, len(t.members))
	for i, m := range t.members {
		names[i] = m.Name
	}
	return names
}

// With returns a new topology with m appended; t is unchanged.
func (t Topology) With(m Member) (Topology, error) {
	return NewTopology(append(t.Members(), m)...)
}

// Issuer issues one leaf certificate. *ca.Authority satisfies it.
type Issuer interface {
	Issue(ctx context.Context, req ca.IssueRequest) (*ca.LeafCertificate, error)
}

// DefaultRoles are provisioned when a Provisioner names none.
var DefaultRoles = []ca.Role{ca.RoleServer, ca.RolePeer}

// Provisioner issues certificates for every member of a topology.
type Provisioner struct {
	Issuer Issuer
	Mode   ca.SigningMode
	Roles  []ca.Role
	// ExtraSANs are added to every member's own SANs, e.g. a load balancer
	// name.
	ExtraSANs []string
	Overwrite bool
}

// Outcome is the result for one member and role.
type Outcome struct {
	Member Member
	Role   ca.Role
	Leaf   *ca.LeafCertificate
	Err    error
}

// Provision issues every role for every member in topology order. A failure
// for one member does not stop the others; all failures are joined into the
// returned error.
func (p Provisioner) Provision(ctx context.Context, t Topology) ([]Outcome, error) {
	roles := p.Roles
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	outcomes := make([]Outcome, 0, t.Len()*len(roles))
	var errs []error
	for m := range t.All() {
		sans := append(m.SANs(), p.ExtraSANs...)
		for _, role := range roles {
			o := Outcome{Member: m, Role: role}
			if err := ctx.Err(); err != nil {
				o.Err = err
			} else {
				o.Leaf, o.Err = p.Issuer.Issue(ctx, ca.IssueRequest{
					Subject:   m.Name,
					SANs:      sans,
					Role:      role,
					Mode:      p.Mode,
					Overwrite: p.Overwrite,
				})
			}
			if o.Err != nil {
				slog.Error("Provisioning failed", "member", m.Name, "role", role, "error", o.Err)
				errs = append(errs, o.Err)
			} else {
				slog.Info("Member provisioned", "member", m.Name, "role", role,
					"serial", o.Leaf.Serial, "reused", o.Leaf.Reused)
			}
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, errors.Join(errs...)
}
