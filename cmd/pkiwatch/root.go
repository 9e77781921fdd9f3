package main

import (
	"github.com/spf13/cobra"
)

// VersionInfo holds build-time version information
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

func newRootCmd(v VersionInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "pkiwatch",
		Short: "Watch certificates and keys and serve them as TLS identities",
		Long: `Watch certificates and keys and serve them as TLS identities.

pkiwatch reads PEM material from files, Kubernetes Secrets and the SPIFFE
Workload API, pairs private keys with their certificates, resolves each
chain to a CA, validates the result and keeps it current as the sources
change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newInspectCmd(),
		newValidateConfigCmd(),
		newVersionCmd(v),
	)
	return root
}
