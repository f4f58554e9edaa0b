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

// cluster-ca-ctl is the operator CLI for a cluster certificate authority.
// It works directly on a Material Store directory and signs either with the
// local intermediate key or through a remote cluster-ca signing endpoint.
//
// Usage:
//
//	cluster-ca-ctl [global-flags] <subcommand> [subcommand-flags]
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/ledger"
	"github.com/tvaughan/cluster-ca/internal/storage"
)

// app carries the resolved configuration into every subcommand.
type app struct {
	cfg *ctlConfig
	out io.Writer
}

// ---------- store and authority ----------

func (a *app) store() (*storage.Store, error) {
	if a.cfg.CADir == "" {
		return nil, errors.New("--cadir is required (or set CLUSTER_CA_CTL_CADIR / cadir in config file)")
	}
	absDir, err := filepath.Abs(a.cfg.CADir)
	if err != nil {
		return nil, fmt.Errorf("invalid --cadir: %w", err)
	}
	store := storage.New(absDir)
	if err := store.EnsureDirs(); err != nil {
		return nil, &ca.Error{Op: "open-store", Kind: ca.ErrMaterialIO, Err: err}
	}
	return store, nil
}

// openAuthority builds the authority over the configured store. The returned
// func closes the issuance ledger.
func (a *app) openAuthority() (*ca.Authority, func(), error) {
	store, err := a.store()
	if err != nil {
		return nil, nil, err
	}
	alg, err := ca.ParseKeyAlgorithm(a.cfg.KeyAlgorithm)
	if err != nil {
		return nil, nil, err
	}
	opts := []ca.Option{ca.WithClusterName(a.cfg.Cluster), ca.UseKeyAlgorithm(alg)}
	if a.cfg.SigningLabel != "" {
		opts = append(opts, ca.WithSigningLabel(a.cfg.SigningLabel))
	}

	closer := func() {}
	if path := a.cfg.ledgerPath(); path != "" {
		l, err := ledger.Open(path)
		if err != nil {
			return nil, nil, &ca.Error{Op: "open-ledger", Kind: ca.ErrMaterialIO, Err: err}
		}
		opts = append(opts, ca.WithLedger(l))
		closer = func() { l.Close() }
	}
	return ca.New(store, opts...), closer, nil
}

// ---------- signing ----------

// httpClient builds the client for the remote signing endpoint. The server
// is verified against --ca-cert, falling back to the stored trust bundle.
func (a *app) httpClient(auth *ca.Authority) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if a.cfg.CACert != "" {
		data, err := os.ReadFile(a.cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading --ca-cert %s: %w", a.cfg.CACert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in --ca-cert %s", a.cfg.CACert)
		}
		tlsCfg.RootCAs = pool
	} else if b, err := auth.TrustBundle(); err == nil {
		pool := x509.NewCertPool()
		for _, c := range b.Certificates {
			pool.AddCert(c)
		}
		tlsCfg.RootCAs = pool
	}

	if a.cfg.ClientCert != "" && a.cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.ClientCert, a.cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading --client-cert/--client-key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   a.cfg.Timeout,
	}, nil
}

// signingMode resolves how this run signs: local key material when it is
// present, otherwise the configured endpoint.
func (a *app) signingMode(ctx context.Context, auth *ca.Authority) (ca.SigningMode, error) {
	avail := ca.SigningAvailability{
		LocalKey:       a.cfg.LocalKey,
		RemoteEndpoint: a.cfg.Endpoint,
		RemoteLabel:    a.cfg.SigningLabel,
	}
	if a.cfg.Endpoint != "" {
		client, err := a.httpClient(auth)
		if err != nil {
			return nil, err
		}
		avail.Client = client
	}
	mode, err := auth.SelectMode(ctx, avail)
	if err != nil {
		return nil, err
	}
	slog.Debug("Signing mode selected", "mode", ca.ModeName(mode))
	return mode, nil
}

// withRetry runs op, retrying with exponential backoff while it fails with
// an unavailable signing path. Every other failure is returned at once.
func withRetry[T any](ctx context.Context, retries int, what string, op func() (T, error)) (T, error) {
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(retries, 0))), ctx)

	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && !ca.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, func(err error, wait time.Duration) {
		slog.Warn("Signing unavailable, retrying", "operation", what, "in", wait, "error", err)
	})
}

// retrying issues and renews through an authority with withRetry.
// It satisfies cluster.Issuer and expiry.Renewer.
type retrying struct {
	auth    *ca.Authority
	retries int
}

func (r retrying) Issue(ctx context.Context, req ca.IssueRequest) (*ca.LeafCertificate, error) {
	return withRetry(ctx, r.retries, "issue "+req.Subject, func() (*ca.LeafCertificate, error) {
		return r.auth.Issue(ctx, req)
	})
}

func (r retrying) Renew(ctx context.Context, subject string, role ca.Role, mode ca.SigningMode) (*ca.LeafCertificate, error) {
	return withRetry(ctx, r.retries, "renew "+subject, func() (*ca.LeafCertificate, error) {
		return r.auth.Renew(ctx, subject, role, mode)
	})
}

// ---------- output ----------

// formatError renders err as "Error: <Kind>: <message>".
func formatError(err error) string {
	if kind := ca.KindName(err); kind != "" {
		return fmt.Sprintf("Error: %s: %v", kind, err)
	}
	return "Error: " + err.Error()
}

func printTable(w io.Writer, rows [][]string) {
	var widths []int
	for _, r := range rows {
		for i, c := range r {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], len(c))
		}
	}
	for _, r := range rows {
		var b strings.Builder
		for i, c := range r {
			if i == len(r)-1 {
				b.WriteString(c)
			} else {
				fmt.Fprintf(&b, "%-*s  ", widths[i], c)
			}
		}
		fmt.Fprintln(w, b.String())
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ---------- root command ----------

func newRootCmd(out io.Writer) *cobra.Command {
	return buildRootCmd(&app{out: out})
}

// buildRootCmd wires every subcommand to a; a.cfg is set before any of
// them runs.
func buildRootCmd(a *app) *cobra.Command {
	var (
		configFile  string
		caDir       string
		clusterName string
		label       string
		keyAlg      string
		endpoint    string
		localKey    bool
		caCert      string
		clientCert  string
		clientKey   string
		timeout     time.Duration
		retries     int
		ledgerPath  string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:           "cluster-ca-ctl",
		Short:         "Manage a cluster's certificate authority and member certificates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// --- Config loading (file → env → CLI flags) ---
			resolved := resolveConfigFile(configFile, "CLUSTER_CA_CTL_CONFIG", "/etc/cluster-ca/ctl.yaml")
			cfg, err := loadCtlConfig(resolved)
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("cadir") {
				cfg.CADir = caDir
			}
			if f.Changed("cluster") {
				cfg.Cluster = clusterName
			}
			if f.Changed("signing-label") {
				cfg.SigningLabel = label
			}
			if f.Changed("key-algorithm") {
				cfg.KeyAlgorithm = keyAlg
			}
			if f.Changed("endpoint") {
				cfg.Endpoint = endpoint
			}
			if f.Changed("local-key") {
				cfg.LocalKey = localKey
			}
			if f.Changed("ca-cert") {
				cfg.CACert = caCert
			}
			if f.Changed("client-cert") {
				cfg.ClientCert = clientCert
			}
			if f.Changed("client-key") {
				cfg.ClientKey = clientKey
			}
			if f.Changed("timeout") {
				cfg.Timeout = timeout
			}
			if f.Changed("retries") {
				cfg.Retries = retries
			}
			if f.Changed("ledger") {
				cfg.Ledger = ledgerPath
			}
			if f.Changed("verbose") {
				cfg.Verbose = verbose
			}
			a.cfg = cfg

			level := slog.LevelWarn
			if cfg.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "Path to YAML config file (default: /etc/cluster-ca/ctl.yaml if it exists)")
	f.StringVar(&caDir, "cadir", "", "Material store directory (or set CLUSTER_CA_CTL_CADIR)")
	f.StringVar(&clusterName, "cluster", ca.DefaultClusterName, "Cluster name used in CA common names")
	f.StringVar(&label, "signing-label", "", "Signer label (default: <cluster>-intermediate-ca)")
	f.StringVar(&keyAlg, "key-algorithm", "rsa", "Key algorithm for new keys: rsa or ecdsa")
	f.StringVar(&endpoint, "endpoint", "", "Remote signing endpoint URL, used when no local intermediate key is present")
	f.BoolVar(&localKey, "local-key", true, "Sign with the local intermediate key when it is present")
	f.StringVar(&caCert, "ca-cert", "", "CA bundle for verifying the endpoint (default: the stored trust bundle)")
	f.StringVar(&clientCert, "client-cert", "", "Client certificate PEM for mTLS to the endpoint")
	f.StringVar(&clientKey, "client-key", "", "Client private key PEM for mTLS to the endpoint")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for one remote signing request")
	f.IntVar(&retries, "retries", 3, "Retries while the signing path is unavailable")
	f.StringVar(&ledgerPath, "ledger", "", "Issuance ledger (default: <cadir>/ledger.db)")
	f.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(
		newCreateRootCmd(a),
		newCreateIntermediateCmd(a),
		newImportCACmd(a),
		newIssueCmd(a),
		newRenewCmd(a),
		newAuditCmd(a),
		newProvisionCmd(a),
		newFetchCmd(a),
		newBundleCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		memguard.SafeExit(1)
	}
}
