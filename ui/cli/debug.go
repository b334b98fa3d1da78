// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/toeirei/keyloader/internal/config"
	"github.com/toeirei/keyloader/internal/logging"
)

// newDebugCmd dumps the effective configuration, flags and environment. It
// skips database setup so it still works with a broken configuration.
func newDebugCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Dump debug information about config, env and flags",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := getConfigPathFromCli(cmd)
			if err != nil {
				return err
			}
			c, err := config.LoadConfig[config.Config](cmd, config.Defaults(), path)
			if err != nil {
				logging.Warnf("config: %v", err)
			}
			appConfig = c
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "--- KEYLOADER DEBUG ---")

			fmt.Fprintln(out, "-- effective config --")
			if b, err := yaml.Marshal(appConfig); err != nil {
				logging.Errorf("could not marshal config: %v", err)
			} else {
				fmt.Fprint(out, string(b))
			}
			if err := appConfig.Validate(); err != nil {
				fmt.Fprintf(out, "validation: %v\n", err)
			}

			fmt.Fprintln(out, "-- flags --")
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				fmt.Fprintf(out, "%s = %s\n", f.Name, f.Value.String())
			})

			fmt.Fprintln(out, "-- environment (KEYLOADER_*) --")
			for _, e := range os.Environ() {
				if strings.HasPrefix(e, "KEYLOADER_") {
					fmt.Fprintln(out, e)
				}
			}
			fmt.Fprintln(out, "--- END DEBUG ---")
		},
	}
}
