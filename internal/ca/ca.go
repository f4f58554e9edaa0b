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
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/tvaughan/cluster-ca/internal/ledger"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

// Material Store names of the CA hierarchy.
const (
	RootName         = "ca/root"
	IntermediateName = "ca/intermediate"
	TrustBundleName  = "ca/trust-bundle"
)

const (
	// backdate is subtracted from NotBefore so that peers with slightly slow
	// clocks accept freshly issued certificates.
	backdate = 24 * time.Hour

	DefaultClusterName   = "etcd"
	DefaultRemoteTimeout = 30 * time.Second
)

// MemberName is the Material Store name of subject's certificate for role.
func MemberName(subject string, role Role) string {
	return "members/" + subject + "/" + string(role)
}

// MemberChainName is the Material Store name of subject's trust bundle copy.
func MemberChainName(subject string) string {
	return "members/" + subject + "/ca-chain"
}

// Recorder is the issuance history consulted by Renew.
type Recorder interface {
	Record(ledger.Record) (ledger.Record, error)
	Latest(subject, role string) (ledger.Record, error)
}

// CertificateAuthority is one level of the hierarchy. The private key, when
// present, stays sealed and is only opened for the duration of a signature.
type CertificateAuthority struct {
	Role    Role
	Name    string
	Cert    *x509.Certificate
	CertPEM []byte
	// Issuer is nil for the root.
	Issuer *CertificateAuthority

	key *memguard.Enclave
}

// Serial returns the certificate serial as upper-case hex.
func (c *CertificateAuthority) Serial() string {
	return serialString(c.Cert.SerialNumber)
}

func (c *CertificateAuthority) CommonName() string {
	return c.Cert.Subject.CommonName
}

// HasKey reports whether local key material is available for signing.
func (c *CertificateAuthority) HasKey() bool {
	return c != nil && c.key != nil
}

// ValidAt reports whether t falls inside the certificate's validity window.
func (c *CertificateAuthority) ValidAt(t time.Time) bool {
	return !t.Before(c.Cert.NotBefore) && t.Before(c.Cert.NotAfter)
}

func (c *CertificateAuthority) withSigner(fn func(crypto.Signer) error) error {
	if c.key == nil {
		return errors.New("no private key loaded for " + c.Name)
	}
	buf, err := c.key.Open()
	if err != nil {
		return fmt.Errorf("opening sealed key for %s: %w", c.Name, err)
	}
	defer buf.Destroy()
	signer, err := ParseKey(buf.Bytes())
	if err != nil {
		return err
	}
	return fn(signer)
}

func sealKey(keyPEM []byte) *memguard.Enclave {
	// NewEnclave wipes its argument.
	return memguard.NewEnclave(bytes.Clone(keyPEM))
}

// Authority drives the certificate lifecycle for one cluster on top of a
// Material Store.
type Authority struct {
	store   *storage.Store
	ledger  Recorder
	now     func() time.Time
	cluster string
	label   string
	keyAlg  KeyAlgorithm
	domains []string
	client  *http.Client

	mu           sync.RWMutex
	root         *CertificateAuthority
	intermediate *CertificateAuthority

	subjectMu sync.Mutex
	subjects  map[string]*sync.Mutex
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithLedger records every issuance in r.
func WithLedger(r Recorder) Option {
	return func(a *Authority) { a.ledger = r }
}

// WithClusterName sets the name used in CA subjects and the default remote
// signing label.
func WithClusterName(name string) Option {
	return func(a *Authority) { a.cluster = name }
}

// WithSigningLabel overrides the label sent to and accepted by the remote
// signing endpoint.
func WithSigningLabel(label string) Option {
	return func(a *Authority) { a.label = label }
}

// UseKeyAlgorithm switches every generated key to alg.
func UseKeyAlgorithm(alg KeyAlgorithm) Option {
	return func(a *Authority) { a.keyAlg = alg }
}

// WithPermittedDNSDomains restricts DNS SANs on leaf certificates.
func WithPermittedDNSDomains(domains ...string) Option {
	return func(a *Authority) { a.domains = domains }
}

// WithHTTPClient sets the client used for remote signing when the mode does
// not carry its own.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authority) { a.client = c }
}

func New(store *storage.Store, opts ...Option) *Authority {
	a := &Authority{
		store:    store,
		now:      time.Now,
		cluster:  DefaultClusterName,
		client:   &http.Client{Timeout: DefaultRemoteTimeout},
		subjects: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.label == "" {
		a.label = a.intermediateCN()
	}
	return a
}

func (a *Authority) Store() *storage.Store {
	return a.store
}

// Label is the remote signing label this authority sends and accepts.
func (a *Authority) Label() string {
	return a.label
}

func (a *Authority) Now() time.Time {
	return a.now()
}

func (a *Authority) rootCN() string {
	return a.cluster + "-root-ca"
}

func (a *Authority) intermediateCN() string {
	return a.cluster + "-intermediate-ca"
}

// Profile returns the profile for role with this authority's key algorithm
// and name constraints applied.
func (a *Authority) Profile(role Role) (SigningProfile, error) {
	p, err := ProfileFor(role)
	if err != nil {
		return p, err
	}
	if a.keyAlg != "" {
		p = WithKeyAlgorithm(p, a.keyAlg)
	}
	if p.IsLeaf() && len(a.domains) > 0 {
		p.PermittedDNSDomains = append([]string(nil), a.domains...)
	}
	return p, nil
}

// IsReady reports whether a usable intermediate with key material is loaded.
func (a *Authority) IsReady() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.intermediate.HasKey() && a.intermediate.ValidAt(a.now())
}

func (a *Authority) setRoot(c *CertificateAuthority) {
	a.mu.Lock()
	a.root = c
	a.mu.Unlock()
}

func (a *Authority) setIntermediate(c *CertificateAuthority) {
	a.mu.Lock()
	a.intermediate = c
	a.mu.Unlock()
}

// lockSubject serializes in-process work on one subject. The store lock
// covers other processes.
func (a *Authority) lockSubject(subject string) func() {
	a.subjectMu.Lock()
	m, ok := a.subjects[subject]
	if !ok {
		m = &sync.Mutex{}
		a.subjects[subject] = m
	}
	a.subjectMu.Unlock()
	m.Lock()
	return m.Unlock
}

// LoadRoot reads the root CA from the Material Store. The key is optional:
// members that only verify hold the certificate alone.
func (a *Authority) LoadRoot() (*CertificateAuthority, error) {
	c, err := a.loadCA("load-root", RoleRoot, RootName)
	if err != nil {
		return nil, err
	}
	a.setRoot(c)
	return c, nil
}

// LoadIntermediate reads the intermediate CA and, when present, the root
// certificate it chains to.
func (a *Authority) LoadIntermediate() (*CertificateAuthority, error) {
	c, err := a.loadCA("load-intermediate", RoleIntermediate, IntermediateName)
	if err != nil {
		return nil, err
	}
	if root, err := a.loadCA("load-root", RoleRoot, RootName); err == nil {
		if c.Cert.CheckSignatureFrom(root.Cert) == nil {
			c.Issuer = root
		}
	}
	a.setIntermediate(c)
	return c, nil
}

func (a *Authority) loadCA(op string, role Role, name string) (*CertificateAuthority, error) {
	certPEM, err := a.store.Get(storage.KindCert, name)
	if err != nil {
		return nil, newError(op, "", role, ErrMaterialIO, err)
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, newError(op, "", role, ErrCertificateParse, err)
	}
	if !cert.IsCA {
		return nil, errorf(op, "", role, ErrCertificateParse, "%s is not a CA certificate", name)
	}
	c := &CertificateAuthority{Role: role, Name: name, Cert: cert, CertPEM: certPEM}

	keyPEM, err := a.store.Get(storage.KindKey, name)
	if errors.Is(err, storage.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, newError(op, "", role, ErrMaterialIO, err)
	}
	key, err := ParseKey(keyPEM)
	if err != nil {
		return nil, newError(op, "", role, ErrCertificateParse, err)
	}
	if !publicKeysEqual(key.Public(), cert.PublicKey) {
		return nil, errorf(op, "", role, ErrCertificateParse, "%s key does not match its certificate", name)
	}
	c.key = sealKey(keyPEM)
	return c, nil
}

// KeyMatches checks that keyPEM is the private half of cert's public key.
func KeyMatches(keyPEM []byte, cert *x509.Certificate) error {
	key, err := ParseKey(keyPEM)
	if err != nil {
		return err
	}
	if !publicKeysEqual(key.Public(), cert.PublicKey) {
		return errors.New("private key does not match the certificate")
	}
	return nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func serialString(n *big.Int) string {
	return fmt.Sprintf("%X", n)
}

// subjectKeyID is the SHA-1 of the SubjectPublicKeyInfo DER (RFC 5280 §4.2.1.2).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}

type artifact struct {
	kind storage.Kind
	name string
	data []byte
}

// persist replaces the artifacts as one batch: either all of them are
// written or the store is left as it was.
func (a *Authority) persist(op, subject string, role Role, items ...artifact) error {
	entries := make([]storage.Entry, len(items))
	for i, it := range items {
		entries[i] = storage.Entry{Kind: it.kind, Name: it.name, Data: it.data}
	}
	if err := a.store.PutAll(entries...); err != nil {
		return newError(op, subject, role, ErrMaterialIO, err)
	}
	return nil
}
