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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tvaughan/cluster-ca/internal/api"
	"github.com/tvaughan/cluster-ca/internal/ca"
	"github.com/tvaughan/cluster-ca/internal/cluster"
	"github.com/tvaughan/cluster-ca/internal/expiry"
	"github.com/tvaughan/cluster-ca/internal/ledger"
	"github.com/tvaughan/cluster-ca/internal/storage"
	"github.com/tvaughan/cluster-ca/internal/transfer"
)

func parseRoles(names []string) ([]ca.Role, error) {
	roles := make([]ca.Role, 0, len(names))
	for _, n := range names {
		r, err := ca.ParseRole(n)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

func (a *app) printCA(c *ca.CertificateAuthority) {
	fmt.Fprintf(a.out, "%s CA %q (serial %s) valid until %s\n",
		c.Role, c.CommonName(), c.Serial(), formatTime(c.Cert.NotAfter))
}

func (a *app) printLeaf(store *storage.Store, leaf *ca.LeafCertificate) {
	verb := "Issued"
	if leaf.Reused {
		verb = "Reusing"
	}
	p, _ := store.Path(storage.KindCert, leaf.Name)
	fmt.Fprintf(a.out, "%s %s certificate for %s (serial %s, expires %s): %s\n",
		verb, leaf.Role, leaf.Subject, leaf.Serial, formatTime(leaf.NotAfter), p)
}

// ---------- subcommands: create-root, create-intermediate, import-ca ----------

func addInitFlags(cmd *cobra.Command, opts *ca.InitOptions) {
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Replace the CA even if it is still valid (requires --override)")
	cmd.Flags().BoolVar(&opts.Override, "override", false, "Confirm --force against a valid CA")
}

func newCreateRootCmd(a *app) *cobra.Command {
	var opts ca.InitOptions
	cmd := &cobra.Command{
		Use:   "create-root",
		Short: "Create the cluster root CA, or report the existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()
			root, err := auth.InitRoot(cmd.Context(), opts)
			if err != nil {
				return err
			}
			a.printCA(root)
			return nil
		},
	}
	addInitFlags(cmd, &opts)
	return cmd
}

func newCreateIntermediateCmd(a *app) *cobra.Command {
	var opts ca.InitOptions
	cmd := &cobra.Command{
		Use:   "create-intermediate",
		Short: "Create the intermediate CA under the stored root and write the trust bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()
			inter, err := auth.InitIntermediate(cmd.Context(), nil, opts)
			if err != nil {
				return err
			}
			a.printCA(inter)
			p, _ := auth.Store().Path(storage.KindChain, ca.TrustBundleName)
			fmt.Fprintf(a.out, "Trust bundle: %s\n", p)
			return nil
		},
	}
	addInitFlags(cmd, &opts)
	return cmd
}

func newImportCACmd(a *app) *cobra.Command {
	var (
		opts     ca.InitOptions
		roleName string
		certFile string
		keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "import-ca",
		Short: "Import an externally created root or intermediate CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := ca.ParseRole(roleName)
			if err != nil {
				return err
			}
			if certFile == "" {
				return errors.New("import-ca: --cert is required")
			}
			certPEM, err := os.ReadFile(certFile)
			if err != nil {
				return &ca.Error{Op: "import", Role: role, Kind: ca.ErrMaterialIO, Err: err}
			}
			var keyPEM []byte
			if keyFile != "" {
				if keyPEM, err = os.ReadFile(keyFile); err != nil {
					return &ca.Error{Op: "import", Role: role, Kind: ca.ErrMaterialIO, Err: err}
				}
			}

			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()
			c, err := auth.Import(cmd.Context(), role, certPEM, keyPEM, opts)
			if err != nil {
				return err
			}
			a.printCA(c)
			if !c.HasKey() {
				fmt.Fprintln(a.out, "Imported without a private key; this member cannot sign with it")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&roleName, "role", string(ca.RoleRoot), "CA role: root or intermediate")
	cmd.Flags().StringVar(&certFile, "cert", "", "Path to the CA certificate PEM (required)")
	cmd.Flags().StringVar(&keyFile, "key", "", "Path to the CA private key PEM (optional)")
	addInitFlags(cmd, &opts)
	return cmd
}

// ---------- subcommand: issue ----------

func newIssueCmd(a *app) *cobra.Command {
	var (
		roleName  string
		sans      []string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a key and certificate for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := ca.ParseRole(roleName)
			if err != nil {
				return err
			}
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()

			ctx := cmd.Context()
			mode, err := a.signingMode(ctx, auth)
			if err != nil {
				return err
			}
			leaf, err := retrying{auth, a.cfg.Retries}.Issue(ctx, ca.IssueRequest{
				Subject:   args[0],
				SANs:      sans,
				Role:      role,
				Mode:      mode,
				Overwrite: overwrite,
			})
			if err != nil {
				return err
			}
			a.printLeaf(auth.Store(), leaf)
			return nil
		},
	}
	cmd.Flags().StringVar(&roleName, "role", string(ca.RoleServer), "Certificate role: server, peer or client")
	cmd.Flags().StringSliceVar(&sans, "san", nil, "Subject alternative name, DNS name or IP (repeatable)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace a certificate that is still valid")
	return cmd
}

// ---------- subcommand: renew ----------

// storedRoles lists the leaf roles subject holds certificates for.
func storedRoles(store *storage.Store, subject string) ([]ca.Role, error) {
	names, err := store.List(storage.KindCert, "members/"+subject)
	if err != nil {
		return nil, err
	}
	var roles []ca.Role
	for _, n := range names {
		if r, err := ca.ParseRole(path.Base(n)); err == nil {
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func newRenewCmd(a *app) *cobra.Command {
	var (
		roleNames     []string
		due           bool
		thresholdDays int
	)
	cmd := &cobra.Command{
		Use:   "renew [subject]",
		Short: "Renew a member's certificates, or every certificate that is due",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if due == (len(args) == 1) {
				return errors.New("renew: give either a subject or --due")
			}
			if cmd.Flags().Changed("threshold-days") {
				a.cfg.ThresholdDays = thresholdDays
			}
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()
			if due {
				return a.renewDue(cmd, auth)
			}

			subject := args[0]
			roles, err := parseRoles(roleNames)
			if err != nil {
				return err
			}
			if len(roles) == 0 {
				if roles, err = storedRoles(auth.Store(), subject); err != nil {
					return &ca.Error{Op: "renew", Subject: subject, Kind: ca.ErrMaterialIO, Err: err}
				}
				if len(roles) == 0 {
					return &ca.Error{Op: "renew", Subject: subject, Kind: ca.ErrMaterialIO,
						Err: errors.New("no certificates stored for this subject")}
				}
			}

			ctx := cmd.Context()
			mode, err := a.signingMode(ctx, auth)
			if err != nil {
				return err
			}
			r := retrying{auth, a.cfg.Retries}
			for _, role := range roles {
				leaf, err := r.Renew(ctx, subject, role, mode)
				if err != nil {
					return err
				}
				a.printLeaf(auth.Store(), leaf)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roleNames, "role", nil, "Role to renew (repeatable; default: every stored role)")
	cmd.Flags().BoolVar(&due, "due", false, "Renew every leaf certificate the audit marks must_renew")
	cmd.Flags().IntVar(&thresholdDays, "threshold-days", 30, "Renewal threshold in days for --due")
	return cmd
}

func (a *app) renewDue(cmd *cobra.Command, auth *ca.Authority) error {
	if a.cfg.ThresholdDays <= 0 {
		return errors.New("renew: --threshold-days must be positive")
	}
	items, err := expiry.Collect(auth.Store())
	if err != nil {
		return &ca.Error{Op: "renew", Kind: ca.ErrMaterialIO, Err: err}
	}
	decisions := slices.Collect(expiry.Audit(auth.Now(), items, a.cfg.ThresholdDays))
	if !slices.ContainsFunc(decisions, func(d expiry.Decision) bool { return d.Action == expiry.ActionMustRenew }) {
		fmt.Fprintln(a.out, "Nothing to renew")
		return nil
	}

	ctx := cmd.Context()
	mode, err := a.signingMode(ctx, auth)
	if err != nil {
		return err
	}
	results := expiry.RenewDue(ctx, retrying{auth, a.cfg.Retries}, mode, slices.Values(decisions))

	rows := [][]string{{"SUBJECT", "ROLE", "RESULT", "NOT AFTER"}}
	var errs []error
	for _, res := range results {
		d := res.Decision
		switch {
		case res.Skipped:
			rows = append(rows, []string{d.Subject, string(d.Role), "skipped (rotate with create-" + string(d.Role) + ")", formatTime(d.NotAfter)})
		case res.Err != nil:
			rows = append(rows, []string{d.Subject, string(d.Role), "failed: " + res.Err.Error(), formatTime(d.NotAfter)})
			errs = append(errs, res.Err)
		default:
			rows = append(rows, []string{d.Subject, string(d.Role), "renewed " + res.Leaf.Serial, formatTime(res.Leaf.NotAfter)})
		}
	}
	printTable(a.out, rows)
	return errors.Join(errs...)
}

// ---------- subcommand: audit ----------

func newAuditCmd(a *app) *cobra.Command {
	var (
		thresholdDays int
		asJSON        bool
		strict        bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report the remaining lifetime of every stored certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("threshold-days") {
				a.cfg.ThresholdDays = thresholdDays
			}
			if a.cfg.ThresholdDays <= 0 {
				return errors.New("audit: --threshold-days must be positive")
			}
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()

			items, err := expiry.Collect(auth.Store())
			if err != nil {
				return &ca.Error{Op: "audit", Kind: ca.ErrMaterialIO, Err: err}
			}
			now := auth.Now()
			resp := api.ExpirationsResponse{
				Now:           formatTime(now),
				ThresholdDays: a.cfg.ThresholdDays,
				Certificates:  []api.Expiration{},
			}
			due := 0
			for d := range expiry.Audit(now, items, a.cfg.ThresholdDays) {
				if d.Action == expiry.ActionMustRenew {
					due++
				}
				resp.Certificates = append(resp.Certificates, api.NewExpiration(d))
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(resp); err != nil {
					return err
				}
			} else {
				rows := [][]string{{"SUBJECT", "ROLE", "DAYS", "NOT AFTER", "ACTION"}}
				for _, e := range resp.Certificates {
					notAfter := e.NotAfter
					switch {
					case e.Error != "" && notAfter == "":
						notAfter = "unreadable: " + e.Error
					case e.Error != "":
						notAfter += " (" + e.Error + ")"
					}
					rows = append(rows, []string{e.Subject, e.Role, strconv.Itoa(e.RemainingDays), notAfter, e.Action})
				}
				printTable(a.out, rows)
			}
			if strict && due > 0 {
				return fmt.Errorf("%d certificate(s) must be renewed", due)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&thresholdDays, "threshold-days", 30, "Renewal threshold in days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any certificate must be renewed")
	return cmd
}

// ---------- subcommand: provision ----------

func newProvisionCmd(a *app) *cobra.Command {
	var (
		topology  string
		roleNames []string
		extraSANs []string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Issue certificates for every member of a cluster topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("topology") {
				a.cfg.Topology = topology
			}
			if a.cfg.Topology == "" {
				return errors.New("provision: --topology is required")
			}
			t, err := cluster.LoadTopology(a.cfg.Topology)
			if err != nil {
				return err
			}
			roles, err := parseRoles(roleNames)
			if err != nil {
				return err
			}
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()

			ctx := cmd.Context()
			mode, err := a.signingMode(ctx, auth)
			if err != nil {
				return err
			}
			p := cluster.Provisioner{
				Issuer:    retrying{auth, a.cfg.Retries},
				Mode:      mode,
				Roles:     roles,
				ExtraSANs: extraSANs,
				Overwrite: overwrite,
			}
			outcomes, err := p.Provision(ctx, t)

			rows := [][]string{{"MEMBER", "ROLE", "RESULT", "NOT AFTER"}}
			for _, o := range outcomes {
				switch {
				case o.Err != nil:
					rows = append(rows, []string{o.Member.Name, string(o.Role), "failed: " + o.Err.Error(), ""})
				case o.Leaf.Reused:
					rows = append(rows, []string{o.Member.Name, string(o.Role), "reused " + o.Leaf.Serial, formatTime(o.Leaf.NotAfter)})
				default:
					rows = append(rows, []string{o.Member.Name, string(o.Role), "issued " + o.Leaf.Serial, formatTime(o.Leaf.NotAfter)})
				}
			}
			printTable(a.out, rows)
			return err
		},
	}
	cmd.Flags().StringVar(&topology, "topology", "", "Cluster topology YAML")
	cmd.Flags().StringSliceVar(&roleNames, "role", nil, "Role to issue (repeatable; default: server and peer)")
	cmd.Flags().StringSliceVar(&extraSANs, "san", nil, "Extra SAN added to every member (repeatable)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace certificates that are still valid")
	return cmd
}

// ---------- subcommand: fetch ----------

// fetcherFor returns the fetcher for source, either a store directory or
// ssh://[user@]host[:port]/path.
func (a *app) fetcherFor(source string) (transfer.Fetcher, func(), error) {
	if !strings.HasPrefix(source, "ssh://") {
		return transfer.NewDirFetcher(source), func() {}, nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing source %s: %w", source, err)
	}
	user := a.cfg.SSHUser
	if u.User != nil {
		user = u.User.Username()
	}
	if user == "" || a.cfg.SSHKey == "" || a.cfg.SSHKnownHosts == "" {
		return nil, nil, errors.New("fetch over ssh requires a user, --ssh-key and --ssh-known-hosts")
	}
	keyPEM, err := os.ReadFile(a.cfg.SSHKey)
	if err != nil {
		return nil, nil, fmt.Errorf("reading --ssh-key: %w", err)
	}
	f, err := transfer.NewSSHFetcher(u.Host, user, keyPEM, a.cfg.SSHKnownHosts, u.Path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func newFetchCmd(a *app) *cobra.Command {
	var (
		members     []string
		roleNames   []string
		noAuthority bool
		sshUser     string
		sshKey      string
		knownHosts  string
	)
	cmd := &cobra.Command{
		Use:   "fetch <source>",
		Short: "Copy CA and member material from another store directory or over SSH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			if f.Changed("ssh-user") {
				a.cfg.SSHUser = sshUser
			}
			if f.Changed("ssh-key") {
				a.cfg.SSHKey = sshKey
			}
			if f.Changed("ssh-known-hosts") {
				a.cfg.SSHKnownHosts = knownHosts
			}
			roles, err := parseRoles(roleNames)
			if err != nil {
				return err
			}
			if len(roles) == 0 {
				roles = cluster.DefaultRoles
			}

			var artifacts []transfer.Artifact
			if !noAuthority {
				artifacts = transfer.AuthorityArtifacts()
			}
			for _, m := range members {
				if err := ca.ValidateSubject(m); err != nil {
					return err
				}
				artifacts = append(artifacts, transfer.MemberArtifacts(m, roles...)...)
			}
			if len(artifacts) == 0 {
				return errors.New("fetch: nothing to fetch")
			}

			store, err := a.store()
			if err != nil {
				return err
			}
			fetcher, closeFetcher, err := a.fetcherFor(args[0])
			if err != nil {
				return err
			}
			defer closeFetcher()

			report := transfer.Pull(cmd.Context(), fetcher, store, artifacts)
			rows := [][]string{{"ARTIFACT", "RESULT"}}
			for _, res := range report.Results {
				status := "unchanged"
				switch {
				case res.Err != nil && res.Artifact.Critical:
					status = "failed: " + res.Err.Error()
				case res.Err != nil:
					status = "skipped: " + res.Err.Error()
				case res.Written:
					status = "written"
				}
				rows = append(rows, []string{res.Artifact.String(), status})
			}
			printTable(a.out, rows)
			return report.Err()
		},
	}
	cmd.Flags().StringSliceVar(&members, "member", nil, "Also fetch this member's certificates (repeatable)")
	cmd.Flags().StringSliceVar(&roleNames, "role", nil, "Member roles to fetch (default: server and peer)")
	cmd.Flags().BoolVar(&noAuthority, "no-authority", false, "Skip the CA material and trust bundle")
	cmd.Flags().StringVar(&sshUser, "ssh-user", "", "SSH user when the source URL names none")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "SSH private key file")
	cmd.Flags().StringVar(&knownHosts, "ssh-known-hosts", "", "known_hosts file used to verify the source host")
	return cmd
}

// ---------- subcommand: bundle ----------

func newBundleCmd(a *app) *cobra.Command {
	var (
		verifyFile string
		roleName   string
	)
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Print the trust bundle, or verify a certificate against it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, closeLedger, err := a.openAuthority()
			if err != nil {
				return err
			}
			defer closeLedger()
			b, err := auth.TrustBundle()
			if err != nil {
				return err
			}
			if verifyFile == "" {
				_, err := a.out.Write(b.PEM)
				return err
			}

			data, err := os.ReadFile(verifyFile)
			if err != nil {
				return &ca.Error{Op: "verify", Kind: ca.ErrMaterialIO, Err: err}
			}
			cert, err := ca.ParseCertificate(data)
			if err != nil {
				return &ca.Error{Op: "verify", Kind: ca.ErrCertificateParse, Err: err}
			}
			role, err := ca.ParseRole(roleName)
			if err != nil {
				return err
			}
			profile, err := auth.Profile(role)
			if err != nil {
				return err
			}
			if err := b.Verify(cert, auth.Now(), profile.ExtKeyUsage...); err != nil {
				return &ca.Error{Op: "verify", Subject: cert.Subject.CommonName, Role: profile.Role,
					Kind: ca.ErrProfileMismatch, Err: err}
			}
			fmt.Fprintf(a.out, "%s: verified as %s against the %s trust bundle\n",
				cert.Subject.CommonName, profile.Role, a.cfg.Cluster)
			return nil
		},
	}
	cmd.Flags().StringVar(&verifyFile, "verify", "", "Certificate PEM to verify against the bundle")
	cmd.Flags().StringVar(&roleName, "role", string(ca.RoleServer), "Role whose key usages the certificate must carry")
	return cmd
}

// ---------- subcommand: history ----------

func newHistoryCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history [subject]",
		Short: "Show the issuance ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.cfg.ledgerPath()
			if p == "" {
				return errors.New("history: --ledger or --cadir is required")
			}
			l, err := ledger.Open(p)
			if err != nil {
				return &ca.Error{Op: "history", Kind: ca.ErrMaterialIO, Err: err}
			}
			defer l.Close()

			var records []ledger.Record
			if len(args) == 1 {
				records, err = l.History(args[0])
			} else {
				records, err = l.All()
			}
			if err != nil {
				return &ca.Error{Op: "history", Kind: ca.ErrMaterialIO, Err: err}
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				fmt.Fprintln(a.out, "(no issuances)")
				return nil
			}
			rows := [][]string{{"ISSUED", "SUBJECT", "ROLE", "SERIAL", "MODE", "NOT AFTER", "SANS"}}
			for _, r := range records {
				rows = append(rows, []string{formatTime(r.IssuedAt), r.Subject, r.Role, r.Serial, r.Mode,
					formatTime(r.NotAfter), strings.Join(r.SANs, ",")})
			}
			printTable(a.out, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}
