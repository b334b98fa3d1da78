// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/i18n"
)

func newMaintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Repository upkeep and audit",
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Reconcile deletions interrupted by a crash with the device",
		Long: `Checks every record left in DELETING status against the device. Keys still
present get their previous status back; keys gone from the device are
removed from the repository.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, release, err := newReceiver()
			if err != nil {
				return err
			}
			defer release()
			n, err := o.Recover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.receive.recovered", n))
			return nil
		},
	}

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Show the newest audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := repository()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := store.GetAuditLog(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, i18n.T("cli.maintenance.audit_none"))
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-10s %-18s %s\n", e.Timestamp, e.Username, e.Action, e.Details)
			}
			return nil
		},
	}
	audit.Flags().Int("limit", 50, "Number of entries")

	optimize := &cobra.Command{
		Use:   "db",
		Short: "Run engine specific database maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := db.RunDBMaintenance(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.maintenance.done"))
			return nil
		},
	}

	cmd.AddCommand(recoverCmd, audit, optimize)
	return cmd
}
