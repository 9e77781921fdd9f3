package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/sufield/pkiwatch"
	"github.com/sufield/pkiwatch/internal/config"
)

const defaultConfigPath = "pkiwatch.yaml"

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the configured sources until interrupted",
		Long: `Watch the configured sources until interrupted.

Without --config, pkiwatch.yaml in the working directory is used when it
exists; otherwise the configuration comes from environment variables alone.`,
		Example: `  pkiwatch run --config pkiwatch.yaml
  PKIWATCH_FILE_PATH=/etc/tls/bundle.pem pkiwatch run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			w, err := pkiwatch.New(cfg)
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the configuration file")
	return cmd
}

// loadRunConfig falls back to environment-only configuration when the
// default file is absent. An explicit --config must exist.
func loadRunConfig(path string, explicit bool) (pkiwatch.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Parse(nil)
		}
	}
	return pkiwatch.LoadConfig(path)
}
