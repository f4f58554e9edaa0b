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

// Package ledger keeps the issuance history of leaf certificates, so that a
// renewal can reproduce the SANs of the original request.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var bucketIssuances = []byte("issuances")

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("no issuance record")

// Record describes one issued certificate.
type Record struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Role      string    `json:"role"`
	SANs      []string  `json:"sans,omitempty"`
	Serial    string    `json:"serial"`
	Issuer    string    `json:"issuer"`
	Mode      string    `json:"mode"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Ledger is a bbolt-backed issuance history.
type Ledger struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIssuances)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger %s: %w", path, err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// key orders records by subject, role and issue time so that a prefix scan
// ends on the newest one.
func key(subject, role string, issuedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d/%s", subject, role, issuedAt.UTC().UnixNano(), id))
}

func prefix(parts ...string) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		b.WriteString(p)
		b.WriteByte('/')
	}
	return b.Bytes()
}

// Record stores r, assigning an ID and issue time when they are unset.
func (l *Ledger) Record(r Record) (Record, error) {
	if r.Subject == "" || r.Role == "" {
		return Record{}, errors.New("ledger record requires a subject and a role")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.IssuedAt.IsZero() {
		r.IssuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, err
	}
	err = l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIssuances).Put(key(r.Subject, r.Role, r.IssuedAt, r.ID), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("recording issuance for %s/%s: %w", r.Subject, r.Role, err)
	}
	return r, nil
}

// Latest returns the newest record for subject and role.
func (l *Ledger) Latest(subject, role string) (Record, error) {
	var rec Record
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		p := prefix(subject, role)
		c := tx.Bucket(bucketIssuances).Cursor()
		var last []byte
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			last = v
		}
		if last == nil {
			return nil
		}
		found = true
		return json.Unmarshal(last, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%s/%s: %w", subject, role, ErrNotFound)
	}
	return rec, nil
}

// History returns every record for subject, oldest first within each role.
func (l *Ledger) History(subject string) ([]Record, error) {
	return l.scan(prefix(subject))
}

// All returns every record in the ledger.
func (l *Ledger) All() ([]Record, error) {
	return l.scan(nil)
}

func (l *Ledger) scan(p []byte) ([]Record, error) {
	records := []Record{}
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketIssuances).Cursor()
		k, v := c.First()
		if p != nil {
			k, v = c.Seek(p)
		}
		for ; k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decoding ledger entry %s: %w", k, err)
			}
			records = append(records, r)
		}
		return nil
	})
	return records, err
}
