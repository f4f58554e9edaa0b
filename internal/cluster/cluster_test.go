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

package cluster_test

import (
	"context"
	"crypto/x509"
	"errors"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.yaml.in/yaml/v3"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/cluster"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

type recordingIssuer struct {
	reqs []ca.IssueRequest
	fail map[string]error
}

func (r *recordingIssuer) Issue(_ context.Context, req ca.IssueRequest) (*ca.LeafCertificate, error) {
	r.reqs = append(r.reqs, req)
	if err := r.fail[req.Subject]; err != nil {
		return nil, err
	}
	return &ca.LeafCertificate{Subject: req.Subject, Role: req.Role, Serial: "01"}, nil
}

var _ = Describe("Topology", func() {
	It("keeps members in order", func() {
		t, err := cluster.NewTopology(
			cluster.Member{Name: "node-b", Host: "10.0.0.2"},
			cluster.Member{Name: "node-a", Host: "10.0.0.1"},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Len()).To(Equal(2))
		Expect(t.Names()).To(Equal([]string{"node-b", "node-a"}))

		m, ok := t.Lookup("node-a")
		Expect(ok).To(BeTrue())
		Expect(m.Host).To(Equal("10.0.0.1"))
		_, ok = t.Lookup("node-c")
		Expect(ok).To(BeFalse())
	})

	It("cannot be changed through the slices it hands out", func() {
		t, err := cluster.NewTopology(cluster.Member{Name: "node-a", Host: "10.0.0.1"})
		Expect(err).NotTo(HaveOccurred())
		ms := t.Members()
		ms[0].Host = "10.9.9.9"
		Expect(t.Members()[0].Host).To(Equal("10.0.0.1"))

		t2, err := t.With(cluster.Member{Name: "node-b", Host: "node-b.example.com"})
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Len()).To(Equal(1))
		Expect(t2.Names()).To(Equal([]string{"node-a", "node-b"}))
	})

	DescribeTable("rejects invalid members",
		func(members ...cluster.Member) {
			_, err := cluster.NewTopology(members...)
			Expect(err).To(HaveOccurred())
		},
		Entry("bad name", cluster.Member{Name: "Node A", Host: "10.0.0.1"}),
		Entry("empty name", cluster.Member{Name: "", Host: "10.0.0.1"}),
		Entry("no host", cluster.Member{Name: "node-a"}),
		Entry("bad host", cluster.Member{Name: "node-a", Host: "not a host"}),
		Entry("duplicate", cluster.Member{Name: "node-a", Host: "10.0.0.1"}, cluster.Member{Name: "node-a", Host: "10.0.0.2"}),
	)

	It("derives SANs from name and host", func() {
		Expect(cluster.Member{Name: "node-a", Host: "10.0.0.1"}.SANs()).To(Equal([]string{"node-a", "10.0.0.1"}))
		Expect(cluster.Member{Name: "node-a", Host: "node-a"}.SANs()).To(Equal([]string{"node-a"}))
	})

	It("parses and writes YAML", func() {
		t, err := cluster.ParseTopology([]byte(`
members:
  - name: node-a
    host: 10.0.0.1
  - name: node-b
    host: node-b.internal
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Names()).To(Equal([]string{"node-a", "node-b"}))

		out, err := yaml.Marshal(t)
		Expect(err).NotTo(HaveOccurred())
		again, err := cluster.ParseTopology(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Members()).To(Equal(t.Members()))
	})

	It("loads a topology file", func() {
		path := GinkgoT().TempDir() + "/topology.yaml"
		Expect(os.WriteFile(path, []byte("members:\n  - {name: node-a, host: 10.0.0.1}\n"), 0644)).To(Succeed())
		t, err := cluster.LoadTopology(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Len()).To(Equal(1))

		_, err = cluster.LoadTopology(path + ".missing")
		Expect(err).To(MatchError(ContainSubstring("reading topology")))
	})
})

var _ = Describe("Provisioner", func() {
	var topology cluster.Topology

	BeforeEach(func() {
		var err error
		topology, err = cluster.NewTopology(
			cluster.Member{Name: "node-a", Host: "10.0.0.1"},
			cluster.Member{Name: "node-b", Host: "10.0.0.2"},
		)
		Expect(err).NotTo(HaveOccurred())
	})

	It("issues server and peer certificates for every member", func() {
		iss := &recordingIssuer{}
		p := cluster.Provisioner{Issuer: iss, Mode: ca.Remote{Endpoint: "https://ca"}, ExtraSANs: []string{"etcd.internal"}}
		outcomes, err := p.Provision(context.Background(), topology)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcomes).To(HaveLen(4))
		Expect(iss.reqs).To(HaveLen(4))
		Expect(iss.reqs[0].Subject).To(Equal("node-a"))
		Expect(iss.reqs[0].Role).To(Equal(ca.RoleServer))
		Expect(iss.reqs[1].Role).To(Equal(ca.RolePeer))
		Expect(iss.reqs[2].SANs).To(Equal([]string{"node-b", "10.0.0.2", "etcd.internal"}))
		Expect(ca.ModeName(iss.reqs[3].Mode)).To(Equal("remote"))
	})

	It("keeps going past a failing member", func() {
		boom := errors.New("boom")
		iss := &recordingIssuer{fail: map[string]error{"node-a": boom}}
		outcomes, err := cluster.Provisioner{Issuer: iss, Roles: []ca.Role{ca.RoleClient}}.
			Provision(context.Background(), topology)
		Expect(errors.Is(err, boom)).To(BeTrue())
		Expect(outcomes).To(HaveLen(2))
		Expect(outcomes[0].Err).To(MatchError(boom))
		Expect(outcomes[1].Leaf).NotTo(BeNil())
	})

	It("provisions a real cluster with local signing", func() {
		dir := GinkgoT().TempDir()
		store := storage.New(dir)
		Expect(store.EnsureDirs()).To(Succeed())
		auth := ca.New(store, ca.UseKeyAlgorithm(ca.KeyECDSA))
		ctx := context.Background()
		_, err := auth.InitRoot(ctx, ca.InitOptions{})
		Expect(err).NotTo(HaveOccurred())
		_, err = auth.InitIntermediate(ctx, nil, ca.InitOptions{})
		Expect(err).NotTo(HaveOccurred())
		mode, err := auth.SelectMode(ctx, ca.SigningAvailability{LocalKey: true})
		Expect(err).NotTo(HaveOccurred())

		p := cluster.Provisioner{Issuer: auth, Mode: mode}
		outcomes, err := p.Provision(ctx, topology)
		Expect(err).NotTo(HaveOccurred())
		bundle, err := auth.TrustBundle()
		Expect(err).NotTo(HaveOccurred())
		for _, o := range outcomes {
			Expect(bundle.Verify(o.Leaf.Cert, o.Leaf.NotBefore.AddDate(0, 0, 2), x509.ExtKeyUsageServerAuth)).To(Succeed())
			Expect(o.Leaf.Cert.IPAddresses[0].String()).To(Equal(o.Member.Host))
		}

		// Provisioning again reuses what is there.
		again, err := p.Provision(ctx, topology)
		Expect(err).NotTo(HaveOccurred())
		for i, o := range again {
			Expect(o.Leaf.Reused).To(BeTrue())
			Expect(o.Leaf.Serial).To(Equal(outcomes[i].Leaf.Serial))
		}
	})
})
