package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/logging"
	"github.com/sufield/pkiwatch/internal/pemcodec"
	"github.com/sufield/pkiwatch/internal/resolver"
	"github.com/sufield/pkiwatch/internal/validation"
)

// ErrInvalidIdentities is returned by inspect when --strict is set and at
// least one identity failed validation.
var ErrInvalidIdentities = errors.New("one or more identities failed validation")

type inspectOptions struct {
	policy    validation.Policy
	rootsFile string
	lenient   bool
	strict    bool
	output    string
}

type inspectedIdentity struct {
	ServerName  string    `json:"server_name"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotAfter    time.Time `json:"not_after"`
	ChainLength int       `json:"chain_length"`
	Valid       bool      `json:"valid"`
	Failure     string    `json:"failure,omitempty"`
}

type inspectReport struct {
	Objects    map[string]int      `json:"objects"`
	Skipped    []string            `json:"skipped,omitempty"`
	Identities []inspectedIdentity `json:"identities"`
	Dropped    []string            `json:"dropped,omitempty"`
}

func newInspectCmd() *cobra.Command {
	opts := inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <file> [file...]",
		Short: "Decode, pair and validate PEM files",
		Long: `Decode, pair and validate PEM files.

All files are merged into one object set before keys are paired with
certificates, so a leaf, its key and its CA may live in separate files.`,
		Example: `  pkiwatch inspect tls.crt tls.key ca.crt
  pkiwatch inspect bundle.pem --domain example.com --allow-wildcard
  pkiwatch inspect bundle.pem --chain --roots ca.pem --strict -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.policy.AllowSelfSigned, "allow-self-signed", false, "Accept self-signed leaves")
	f.BoolVar(&opts.policy.ValidateExpiration, "expiration", true, "Reject expired or not-yet-valid leaves")
	f.StringVar(&opts.policy.Domain, "domain", "", "Require leaves to match this host name")
	f.BoolVar(&opts.policy.AllowWildcard, "allow-wildcard", false, "Let wildcard certificates match --domain")
	f.BoolVar(&opts.policy.ValidateChain, "chain", false, "Verify each chain against --roots or the system pool")
	f.StringVar(&opts.rootsFile, "roots", "", "PEM file of trusted roots for --chain")
	f.BoolVar(&opts.lenient, "lenient", false, "Skip blocks whose body fails to parse instead of failing")
	f.BoolVar(&opts.strict, "strict", false, "Exit non-zero when any identity fails validation")
	f.StringVarP(&opts.output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func runInspect(ctx context.Context, out, errOut io.Writer, files []string, opts inspectOptions) error {
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("invalid output %q (use 'table' or 'json')", opts.output)
	}
	opts.policy.ValidateDomain = opts.policy.Domain != ""

	var verifierOpts []validation.Option
	if opts.rootsFile != "" {
		roots, err := validation.LoadRoots(opts.rootsFile)
		if err != nil {
			return err
		}
		verifierOpts = append(verifierOpts, validation.WithTrustVerifier(&validation.X509Verifier{Roots: roots}))
	}
	logger := logging.Discard()
	verifierOpts = append(verifierOpts, validation.WithLogger(logger))
	validator, err := validation.NewValidator(opts.policy, verifierOpts...)
	if err != nil {
		return err
	}

	report := inspectReport{Objects: map[string]int{}}
	set := domain.NewPkiObjectSet()
	for _, file := range files {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		var part *domain.PkiObjectSet
		if opts.lenient {
			var skipped []*domain.DecodeError
			part, skipped, err = pemcodec.DecodeLenient(bytes.NewReader(data))
			for _, s := range skipped {
				report.Skipped = append(report.Skipped, fmt.Sprintf("%s: %v", file, s))
			}
		} else {
			part, err = pemcodec.DecodeBytes(data)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		set.Merge(part)
	}
	for _, kind := range domain.Kinds {
		if n := set.Count(kind); n > 0 {
			report.Objects[kind.String()] = n
		}
	}

	res, err := resolver.New(resolver.WithLogger(logger)).Resolve(set)
	if err != nil {
		return err
	}
	for _, d := range res.Dropped {
		report.Dropped = append(report.Dropped, d.Error())
	}

	invalid := 0
	for _, id := range res.Identities.All() {
		entry := inspectedIdentity{
			ServerName:  id.ServerName(),
			Subject:     id.Leaf().Subject.String(),
			Issuer:      id.Leaf().Issuer.String(),
			NotAfter:    id.Leaf().NotAfter.UTC(),
			ChainLength: len(id.CertificateChain()),
			Valid:       true,
		}
		if err := validator.VerifyIdentity(ctx, id); err != nil {
			entry.Valid = false
			entry.Failure = err.Error()
			invalid++
		}
		report.Identities = append(report.Identities, entry)
	}

	if opts.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, errOut, report)
	}

	if opts.strict && invalid > 0 {
		return fmt.Errorf("%w: %d of %d", ErrInvalidIdentities, invalid, len(report.Identities))
	}
	return nil
}

func printReport(out, errOut io.Writer, r inspectReport) {
	objects := NewTableWriter("Kind", "Count")
	for _, kind := range domain.Kinds {
		if n, ok := r.Objects[kind.String()]; ok {
			objects.AddRow(kind.String(), strconv.Itoa(n))
		}
	}
	objects.Print(out)

	if len(r.Identities) == 0 {
		fmt.Fprintln(out, "\nNo identities: no private key matched a certificate.")
	} else {
		fmt.Fprintln(out)
		ids := NewTableWriter("Server Name", "Not After", "Chain", "Status")
		for _, id := range r.Identities {
			status := "✓ valid"
			if !id.Valid {
				status = "✗ " + id.Failure
			}
			ids.AddRow(id.ServerName, id.NotAfter.Format(time.RFC3339), strconv.Itoa(id.ChainLength), status)
		}
		ids.Print(out)
	}

	for _, s := range r.Skipped {
		fmt.Fprintf(errOut, "⚠ skipped %s\n", s)
	}
	for _, d := range r.Dropped {
		fmt.Fprintf(errOut, "⚠ dropped %s\n", d)
	}
}
