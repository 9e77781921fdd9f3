package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd(v VersionInfo) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pkiwatch %s (commit: %s, built: %s)\n", v.Version, v.Commit, v.Date)
			if !verbose {
				return nil
			}

			fmt.Fprintln(out)
			table := NewTableWriter("Component", "Version")
			table.AddRow("go", runtime.Version())
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, dep := range info.Deps {
					switch dep.Path {
					case "k8s.io/client-go", "github.com/spiffe/go-spiffe/v2", "github.com/fsnotify/fsnotify":
						table.AddRow(dep.Path, dep.Version)
					}
				}
			}
			table.Print(out)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show Go and source SDK versions")
	return cmd
}
