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
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by this package wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	ErrInvalidSubject     = errors.New("invalid subject")
	ErrUnknownRole        = errors.New("unknown role")
	ErrCAExists           = errors.New("certificate authority already exists")
	ErrProfileMismatch    = errors.New("request does not satisfy profile")
	ErrSigningUnavailable = errors.New("signing unavailable")
	ErrMaterialIO         = errors.New("material store failure")
	ErrCertificateParse   = errors.New("certificate parse failure")
)

var kindNames = []struct {
	kind error
	name string
}{
	{ErrInvalidSubject, "InvalidSubjectError"},
	{ErrUnknownRole, "UnknownRoleError"},
	{ErrCAExists, "CAAlreadyExistsError"},
	{ErrProfileMismatch, "ProfileMismatchError"},
	{ErrSigningUnavailable, "SigningUnavailableError"},
	{ErrMaterialIO, "MaterialIOError"},
	{ErrCertificateParse, "CertificateParseError"},
}

// Error carries the operation, subject and role that failed along with the
// error kind and the underlying cause.
type Error struct {
	Op      string
	Subject string
	Role    Role
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Subject != "" {
		b.WriteString(" " + e.Subject)
		if e.Role != "" {
			b.WriteString("/" + string(e.Role))
		}
	} else if e.Role != "" {
		b.WriteString(" " + string(e.Role))
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, subject string, role Role, kind, err error) *Error {
	return &Error{Op: op, Subject: subject, Role: role, Kind: kind, Err: err}
}

func errorf(op, subject string, role Role, kind error, format string, args ...any) *Error {
	return newError(op, subject, role, kind, fmt.Errorf(format, args...))
}

// KindName returns the name of the error kind wrapped by err, for example
// "InvalidSubjectError", or "" when err carries no known kind.
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return ""
}

// KindByName is the inverse of KindName. It returns nil for unknown names.
func KindByName(name string) error {
	for _, k := range kindNames {
		if k.name == name {
			return k.kind
		}
	}
	return nil
}

// Retryable reports whether the caller may retry the failed operation with
// backoff. Only an unavailable signing path qualifies.
func Retryable(err error) bool {
	return errors.Is(err, ErrSigningUnavailable)
}
