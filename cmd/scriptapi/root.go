// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/buke/scriptapi/internal/config"
	"github.com/spf13/cobra"
)

// Version is set via -ldflags.
var Version = "dev"

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	apiDir     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "scriptapi",
		Short: "Serve a directory of script handlers as HTTP routes",
		Long: `scriptapi maps every handler file under the API directory to a route:
api/users/[id].js answers GET, POST, PUT and DELETE on /api/users/{id} by
calling the function of the same name exported by the script.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&flags.apiDir, "api-dir", "", "directory of handler files (default \"api\")")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newRoutesCmd(flags))
	return root
}

// loadConfig loads the config file and applies the shared flags that were
// set. Callers validate after applying their own flags.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("api-dir") {
		cfg.APIDir = flags.apiDir
	}
	return cfg, nil
}
