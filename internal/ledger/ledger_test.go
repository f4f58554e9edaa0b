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

package ledger_test

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tvaughan/cluster-ca/internal/ledger"
)

var _ = Describe("Ledger", func() {
	var (
		tmpDir string
		l      *ledger.Ledger
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "cluster-ca-ledger-test")
		Expect(err).NotTo(HaveOccurred())
		l, err = ledger.Open(filepath.Join(tmpDir, "ledger.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		l.Close()
		os.RemoveAll(tmpDir)
	})

	It("assigns an ID and issue time", func() {
		rec, err := l.Record(ledger.Record{Subject: "node-a", Role: "server", Serial: "01"})
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ID).NotTo(BeEmpty())
		Expect(rec.IssuedAt).NotTo(BeZero())
	})

	It("rejects records without subject or role", func() {
		_, err := l.Record(ledger.Record{Subject: "node-a"})
		Expect(err).To(HaveOccurred())
	})

	It("returns the newest record for a subject and role", func() {
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		_, err := l.Record(ledger.Record{Subject: "node-a", Role: "server", Serial: "01",
			SANs: []string{"node-a"}, IssuedAt: t0})
		Expect(err).NotTo(HaveOccurred())
		_, err = l.Record(ledger.Record{Subject: "node-a", Role: "server", Serial: "02",
			SANs: []string{"node-a", "10.0.0.1"}, IssuedAt: t0.Add(time.Hour)})
		Expect(err).NotTo(HaveOccurred())
		_, err = l.Record(ledger.Record{Subject: "node-a", Role: "peer", Serial: "03", IssuedAt: t0.Add(2 * time.Hour)})
		Expect(err).NotTo(HaveOccurred())

		rec, err := l.Latest("node-a", "server")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Serial).To(Equal("02"))
		Expect(rec.SANs).To(Equal([]string{"node-a", "10.0.0.1"}))
		Expect(rec.IssuedAt.Equal(t0.Add(time.Hour))).To(BeTrue())
	})

	It("does not confuse subjects sharing a prefix", func() {
		_, err := l.Record(ledger.Record{Subject: "node-a.example", Role: "server", Serial: "09"})
		Expect(err).NotTo(HaveOccurred())
		_, err = l.Latest("node-a", "server")
		Expect(errors.Is(err, ledger.ErrNotFound)).To(BeTrue())
	})

	It("lists history per subject and in total", func() {
		for _, s := range []string{"node-a", "node-b"} {
			for _, r := range []string{"peer", "server"} {
				_, err := l.Record(ledger.Record{Subject: s, Role: r})
				Expect(err).NotTo(HaveOccurred())
			}
		}
		hist, err := l.History("node-b")
		Expect(err).NotTo(HaveOccurred())
		Expect(hist).To(HaveLen(2))
		for _, r := range hist {
			Expect(r.Subject).To(Equal("node-b"))
		}
		all, err := l.All()
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(4))
	})

	It("survives reopening", func() {
		_, err := l.Record(ledger.Record{Subject: "node-a", Role: "client", Serial: "AA"})
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Close()).To(Succeed())

		l, err = ledger.Open(filepath.Join(tmpDir, "ledger.db"))
		Expect(err).NotTo(HaveOccurred())
		rec, err := l.Latest("node-a", "client")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Serial).To(Equal("AA"))
	})
})
