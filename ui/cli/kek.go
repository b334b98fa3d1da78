// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyloader/internal/db"
	"github.com/toeirei/keyloader/internal/envelope"
	"github.com/toeirei/keyloader/internal/i18n"
)

// newKEKCmd manages the key encryption key that seals stored records.
func newKEKCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kek",
		Short: "Manage the key encryption key",
		Long: `The KEK seals every stored key record. It is formed from two or more
custodian components and kept in the configured keystore.`,
	}

	ceremony := &cobra.Command{
		Use:   "ceremony",
		Short: "Form a KEK from custodian components and install it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault()
			if err != nil {
				return err
			}
			if force, _ := cmd.Flags().GetBool("force"); vault.Ready() && !force {
				return errors.New(i18n.T("cli.kek.exists", vault.Alias()))
			}
			res, err := runCeremony(cmd)
			if err != nil {
				return err
			}
			if err := vault.Install(res.KEK); err != nil {
				return err
			}
			if store, err := repository(); err == nil {
				_ = store.LogAction(cmd.Context(), db.ActionKEKCeremony, fmt.Sprintf("alias=%s kcv=%s components=%d", vault.Alias(), res.KCV, len(res.ComponentKCVs)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.kek.created", vault.Alias(), res.KCV))
			return nil
		},
	}
	ceremony.Flags().Int("components", 2, "Number of custodian components")
	ceremony.Flags().Bool("force", false, "Replace an installed KEK; records sealed under it become unreadable")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Form a new KEK and re-seal every record under it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault()
			if err != nil {
				return err
			}
			store, err := repository()
			if err != nil {
				return err
			}
			if !vault.Ready() {
				return errors.New(i18n.T("cli.kek.missing", vault.Alias()))
			}
			res, err := runCeremony(cmd)
			if err != nil {
				return err
			}
			n, err := vault.Rotate(cmd.Context(), store, res.KEK)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.kek.rotated", n))
			return nil
		},
	}
	rotate.Flags().Int("components", 2, "Number of custodian components")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether a KEK is installed and its check value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := openKeystore(appConfig.Keystore)
			if err != nil {
				return err
			}
			alias := appConfig.Keystore.Alias
			kek, err := ks.Load(alias)
			if errors.Is(err, envelope.ErrNoKEK) {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.kek.absent", alias))
				return nil
			} else if err != nil {
				return err
			}
			kcv, err := envelope.KCVOf(kek)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.kek.present", alias, kcv))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete the KEK from the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				if !newPrompter(cmd).confirm(i18n.T("cli.kek.delete_confirm")) {
					fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.aborted"))
					return nil
				}
			}
			vault, err := openVault()
			if err != nil {
				return err
			}
			if err := vault.Delete(); err != nil {
				return err
			}
			if store, err := repository(); err == nil {
				_ = store.LogAction(cmd.Context(), db.ActionKEKDelete, "alias="+vault.Alias())
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.kek.deleted", vault.Alias()))
			return nil
		},
	}
	del.Flags().Bool("yes", false, "Do not ask for confirmation")

	cmd.AddCommand(ceremony, rotate, status, del)
	return cmd
}

// runCeremony prompts for each component, echoes its check value for the
// custodian and combines them.
func runCeremony(cmd *cobra.Command) (envelope.CeremonyResult, error) {
	n, _ := cmd.Flags().GetInt("components")
	p := newPrompter(cmd)
	out := cmd.OutOrStdout()
	raw := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		s, err := p.secret(i18n.T("cli.kek.component_prompt", i))
		if err != nil {
			return envelope.CeremonyResult{}, err
		}
		raw = append(raw, strings.TrimSpace(string(s)))
		s.Zero()
	}
	comps, err := envelope.ParseComponents(raw)
	if err != nil {
		return envelope.CeremonyResult{}, err
	}
	res, err := envelope.Combine(comps)
	if err != nil {
		return envelope.CeremonyResult{}, err
	}
	for i, kcv := range res.ComponentKCVs {
		fmt.Fprintln(out, i18n.T("cli.kek.component_kcv", i+1, kcv))
	}
	return res, nil
}
