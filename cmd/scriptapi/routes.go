// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/buke/scriptapi/discovery"
	"github.com/buke/scriptapi/httpapi"
	"github.com/spf13/cobra"
)

func newRoutesCmd(root *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the routes discovered in the API directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			var opts []discovery.Option
			if len(cfg.Ignore) > 0 {
				opts = append(opts, discovery.WithIgnore(cfg.Ignore...))
			}
			res := discovery.Discover(cfg.APIDir, opts...)

			for _, diag := range res.Diagnostics {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", diag.Error())
			}

			out := cmd.OutOrStdout()
			if asJSON {
				type routeJSON struct {
					Route    string `json:"route"`
					Pattern  string `json:"pattern"`
					File     string `json:"file"`
					Language string `json:"language"`
				}
				list := make([]routeJSON, 0, len(res.Routes))
				for _, r := range res.Routes {
					list = append(list, routeJSON{r.RoutePath, httpapi.Pattern(r.RoutePath), r.FilePath, r.Language.String()})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROUTE\tLANGUAGE\tFILE")
			for _, r := range res.Routes {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", httpapi.Pattern(r.RoutePath), r.Language, r.FilePath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print routes as JSON")
	return cmd
}
