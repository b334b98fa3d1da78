// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyloader/internal/i18n"
	"github.com/toeirei/keyloader/internal/model"
)

// newKeysCmd lists the key records of the local repository. Key material is
// never shown; records carry only the check value.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect stored key records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List key records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := repository()
			if err != nil {
				return err
			}
			var recs []model.KeySlotRecord
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				recs, err = store.ListKeysByStatus(cmd.Context(), model.KeyStatus(strings.ToUpper(status)))
			} else {
				recs, err = store.ListKeys(cmd.Context())
			}
			if err != nil {
				return err
			}
			printKeyTable(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	list.Flags().String("status", "", "Only records with this status (pending, successful, failed, deleting)")

	show := &cobra.Command{
		Use:   "show <slot> <type>",
		Short: "Show one key record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", args[0], err)
			}
			kt, err := model.ParseKeyType(args[1])
			if err != nil {
				return err
			}
			store, err := repository()
			if err != nil {
				return err
			}
			rec, err := store.GetKey(cmd.Context(), slot, kt)
			if err != nil {
				return err
			}
			printKeyDetail(cmd.OutOrStdout(), *rec)
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func printKeyTable(out io.Writer, recs []model.KeySlotRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, i18n.T("cli.keys.none"))
		return
	}
	fmt.Fprintln(out, i18n.T("cli.keys.header"))
	for _, r := range recs {
		kek := ""
		if r.IsKEK {
			kek = string(r.KEKType)
		}
		fmt.Fprintf(out, "%-5d %-14s %-12s %-7s %-11s %s\n", r.Slot, r.Type, r.Algorithm, r.KCV, r.Status, kek)
	}
}

func printKeyDetail(out io.Writer, r model.KeySlotRecord) {
	fmt.Fprintf(out, "slot:        %d\n", r.Slot)
	fmt.Fprintf(out, "type:        %s\n", r.Type)
	fmt.Fprintf(out, "algorithm:   %s\n", r.Algorithm)
	fmt.Fprintf(out, "kcv:         %s\n", r.KCV)
	fmt.Fprintf(out, "status:      %s\n", r.Status)
	if r.IsKEK {
		fmt.Fprintf(out, "kek:         %s\n", r.KEKType)
	}
	if r.CustomName != "" {
		fmt.Fprintf(out, "name:        %s\n", r.CustomName)
	}
	if r.KSN != "" {
		fmt.Fprintf(out, "ksn:         %s\n", r.KSN)
	}
	fmt.Fprintf(out, "sealed:      %t\n", !r.Sealed.IsZero())
	if !r.InjectedAt.IsZero() {
		fmt.Fprintf(out, "injected at: %s\n", r.InjectedAt.Format("2006-01-02 15:04:05"))
	}
}
