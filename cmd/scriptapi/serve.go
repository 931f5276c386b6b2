// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/buke/scriptapi/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

type serveFlags struct {
	listen string
	engine string
	watch  bool
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load every handler file and start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddress = flags.listen
			}
			if cmd.Flags().Changed("engine") {
				cfg.Engine = flags.engine
			}
			if cmd.Flags().Changed("watch") {
				cfg.Watch = flags.watch
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runApp(cmd.Context(), fx.New(server.Module(cfg)))
		},
	}
	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "listen address (default \"127.0.0.1:3000\")")
	cmd.Flags().StringVarP(&flags.engine, "engine", "e", "", "script engine: goja, quickjs or v8 (default \"goja\")")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "reload handler files when they change")
	return cmd
}

// runApp starts app and blocks until ctx is cancelled or the app asks to shut
// down.
func runApp(ctx context.Context, app *fx.App) error {
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	exitCode := 0
	select {
	case <-ctx.Done():
	case sig := <-app.Wait():
		exitCode = sig.ExitCode
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	if exitCode != 0 {
		return &exitError{code: exitCode, err: fmt.Errorf("server exited with code %d", exitCode)}
	}
	return nil
}
