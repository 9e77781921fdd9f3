package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sufield/pkiwatch"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config <config-file>",
		Short: "Validate a pkiwatch configuration file",
		Long: `Validate a pkiwatch configuration file.

Environment overrides are applied before validation, exactly as "run" would.`,
		Example: `  pkiwatch validate-config pkiwatch.yaml

  # Use in CI/CD pipelines
  if pkiwatch validate-config config/production.yaml; then
      kubectl apply -f deployment.yaml
  fi`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pkiwatch.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printConfig(cmd.OutOrStdout(), args[0], cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, path string, cfg pkiwatch.Config) {
	fmt.Fprintf(w, "✓ Valid configuration: %s\n\n", path)

	table := NewTableWriter("Source", "Kind", "Location")
	if f := cfg.Sources.File; f != nil {
		table.AddRow(f.Name, "file", f.Path)
	}
	if k := cfg.Sources.Kubernetes; k != nil {
		keys := append([]string(nil), k.ResourceKeys...)
		for _, opt := range k.OptionalKeys {
			keys = append(keys, opt+"?")
		}
		table.AddRow(k.Name, "kubernetes", fmt.Sprintf("%s/%s [%s]", k.Namespace, k.SecretName, strings.Join(keys, ",")))
	}
	if s := cfg.Sources.SPIFFE; s != nil {
		socket := s.SocketPath
		if socket == "" {
			socket = "$SPIFFE_ENDPOINT_SOCKET"
		}
		table.AddRow(s.Name, "spiffe", socket)
	}
	table.Print(w)

	v := cfg.Validation
	fmt.Fprintln(w, "\nValidation:")
	fmt.Fprintf(w, "  Expiration:  %s\n", onOff(v.ValidateExpiration))
	fmt.Fprintf(w, "  Self-signed: %s\n", map[bool]string{true: "allowed", false: "rejected"}[v.AllowSelfSigned])
	if v.ValidateDomain {
		fmt.Fprintf(w, "  Domain:      %s (wildcards %s)\n", v.Domain, onOff(v.AllowWildcard))
	} else {
		fmt.Fprintf(w, "  Domain:      off\n")
	}
	if v.ValidateChain {
		trust := v.Trust
		if v.RootsFile != "" {
			trust += ", roots " + v.RootsFile
		}
		fmt.Fprintf(w, "  Chain:       on (%s)\n", trust)
	} else {
		fmt.Fprintf(w, "  Chain:       off\n")
	}

	fmt.Fprintln(w, "\nOperator HTTP:")
	if cfg.HTTP.ListenAddr == "" {
		fmt.Fprintln(w, "  disabled")
	} else {
		fmt.Fprintf(w, "  Listen address: %s\n", cfg.HTTP.ListenAddr)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
