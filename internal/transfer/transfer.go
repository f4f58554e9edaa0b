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

// Package transfer copies named CA artifacts from another location into the
// local material store.
package transfer

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

// ErrCritical marks a Report in which a critical artifact could not be
// transferred.
var ErrCritical = errors.New("critical artifact missing")

// Artifact names one piece of material in store layout terms.
type Artifact struct {
	Kind storage.Kind
	Name string
	// Critical artifacts make the whole transfer fail when missing.
	Critical bool
}

func (a Artifact) String() string {
	ext, _ := a.Kind.Ext()
	return a.Name + ext
}

// Fetcher retrieves the raw bytes of an artifact from wherever it lives.
type Fetcher interface {
	Fetch(ctx context.Context, a Artifact) ([]byte, error)
}

// AuthorityArtifacts is what a member needs to sign locally: the intermediate
// pair and the trust bundle. The root certificate is best-effort.
func AuthorityArtifacts() []Artifact {
	return []Artifact{
		{Kind: storage.KindCert, Name: ca.IntermediateName, Critical: true},
		{Kind: storage.KindKey, Name: ca.IntermediateName, Critical: true},
		{Kind: storage.KindChain, Name: ca.TrustBundleName, Critical: true},
		{Kind: storage.KindCert, Name: ca.RootName},
	}
}

// MemberArtifacts lists a member's certificate and key for each role, plus
// its copy of the trust bundle. CSRs are best-effort.
func MemberArtifacts(subject string, roles ...ca.Role) []Artifact {
	var out []Artifact
	for _, r := range roles {
		name := ca.MemberName(subject, r)
		out = append(out,
			Artifact{Kind: storage.KindCert, Name: name, Critical: true},
			Artifact{Kind: storage.KindKey, Name: name, Critical: true},
			Artifact{Kind: storage.KindCSR, Name: name},
		)
	}
	return append(out, Artifact{Kind: storage.KindChain, Name: ca.MemberChainName(subject), Critical: true})
}

// Result is the outcome for one artifact.
type Result struct {
	Artifact Artifact
	Written  bool
	Err      error
}

// Report collects the per-artifact results of a Pull.
type Report struct {
	Results []Result
}

// Failed returns the results that carry an error.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err is non-nil when any critical artifact failed. Optional failures are
// only reported through Results.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		if res.Artifact.Critical {
			errs = append(errs, fmt.Errorf("%s: %w", res.Artifact, res.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &ca.Error{Op: "transfer", Kind: ca.ErrMaterialIO, Err: errors.Join(append([]error{ErrCritical}, errs...)...)}
}

// ErrAborted marks artifacts that were fetched intact but not stored
// because another part of the transfer failed.
var ErrAborted = errors.New("not stored, transfer aborted")

// Pull fetches every artifact and stores the set, replacing what is there.
// Everything is fetched and checked in memory first: each artifact must parse
// as what it claims to be, a key must match the certificate of the same name,
// and a certificate must be signed by a chain fetched with it. When any
// critical artifact fails nothing is stored; otherwise the artifacts that
// passed are stored as one batch. A cancelled context fails the remaining
// fetches.
func Pull(ctx context.Context, f Fetcher, store *storage.Store, artifacts []Artifact) Report {
	report := Report{Results: make([]Result, len(artifacts))}
	fetched := make([][]byte, len(artifacts))
	for i, a := range artifacts {
		report.Results[i].Artifact = a
		fetched[i], report.Results[i].Err = fetchOne(ctx, f, a)
	}
	checkConsistency(artifacts, fetched, report.Results)

	for _, res := range report.Failed() {
		if res.Artifact.Critical {
			slog.Error("Critical artifact transfer failed", "artifact", res.Artifact.String(), "error", res.Err)
		} else {
			slog.Warn("Optional artifact transfer failed", "artifact", res.Artifact.String(), "error", res.Err)
		}
	}
	if report.Err() != nil {
		for i := range report.Results {
			if report.Results[i].Err == nil {
				report.Results[i].Err = ErrAborted
			}
		}
		return report
	}

	var entries []storage.Entry
	var stored []int
	for i, res := range report.Results {
		if res.Err == nil {
			entries = append(entries, storage.Entry{Kind: res.Artifact.Kind, Name: res.Artifact.Name, Data: fetched[i]})
			stored = append(stored, i)
		}
	}
	if err := store.PutAll(entries...); err != nil {
		slog.Error("Storing transferred artifacts failed", "error", err)
		for _, i := range stored {
			report.Results[i].Err = err
		}
		return report
	}
	for _, i := range stored {
		report.Results[i].Written = true
		slog.Debug("Artifact transferred", "artifact", report.Results[i].Artifact.String())
	}
	return report
}

func fetchOne(ctx context.Context, f Fetcher, a Artifact) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := f.Fetch(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := checkPEM(a.Kind, data); err != nil {
		return nil, err
	}
	return data, nil
}

// checkConsistency fails keys that do not belong to the certificate fetched
// under the same name, and certificates not issued from a chain fetched in
// the same transfer: the member's own copy when present, else the cluster
// trust bundle.
func checkConsistency(artifacts []Artifact, fetched [][]byte, results []Result) {
	find := func(kind storage.Kind, name string) int {
		for i, a := range artifacts {
			if a.Kind == kind && a.Name == name && results[i].Err == nil {
				return i
			}
		}
		return -1
	}
	for i, a := range artifacts {
		if a.Kind != storage.KindCert || results[i].Err != nil {
			continue
		}
		cert, err := ca.ParseCertificate(fetched[i])
		if err != nil {
			results[i].Err = err
			continue
		}

		if k := find(storage.KindKey, a.Name); k >= 0 {
			if err := ca.KeyMatches(fetched[k], cert); err != nil {
				results[k].Err = fmt.Errorf("does not match %s: %w", a, err)
			}
		}

		chain := -1
		if dir := path.Dir(a.Name); path.Dir(dir) == "members" {
			chain = find(storage.KindChain, ca.MemberChainName(path.Base(dir)))
		}
		if chain < 0 {
			chain = find(storage.KindChain, ca.TrustBundleName)
		}
		if chain < 0 {
			continue
		}
		bundle, err := ca.ParseBundle(fetched[chain])
		if err != nil {
			results[chain].Err = err
			continue
		}
		if err := signedByBundle(cert, bundle); err != nil {
			results[i].Err = fmt.Errorf("%s: %w", artifacts[chain], err)
		}
	}
}

// signedByBundle checks that one of the bundle's certificates issued cert.
// Validity periods are not considered; expired material still transfers.
func signedByBundle(cert *x509.Certificate, bundle ca.TrustBundle) error {
	for _, c := range bundle.Certificates {
		if cert.CheckSignatureFrom(c) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s is not signed by any certificate in the chain", cert.Subject.CommonName)
}

// checkPEM rejects content that cannot be the artifact it claims to be, so
// that a truncated copy never replaces good material.
func checkPEM(kind storage.Kind, data []byte) error {
	blocks, rest := 0, data
	for {
		block, r := pem.Decode(rest)
		if block == nil {
			break
		}
		blocks, rest = blocks+1, r
	}
	if blocks == 0 {
		return errors.New("no PEM data")
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return errors.New("trailing data after PEM blocks")
	}
	switch kind {
	case storage.KindCert, storage.KindChain:
		if _, err := ca.ParseBundle(data); err != nil {
			return err
		}
	case storage.KindKey:
		if _, err := ca.ParseKey(data); err != nil {
			return err
		}
	case storage.KindCSR:
		if _, err := ca.ParseCSR(data); err != nil {
			return err
		}
	}
	return nil
}

// DirFetcher reads artifacts from another directory laid out like a store,
// such as a shared mount or an unpacked archive.
type DirFetcher struct {
	store *storage.Store
}

func NewDirFetcher(dir string) *DirFetcher {
	return &DirFetcher{store: storage.New(dir)}
}

func (d *DirFetcher) Fetch(_ context.Context, a Artifact) ([]byte, error) {
	return d.store.Get(a.Kind, a.Name)
}
