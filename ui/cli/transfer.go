// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyloader/internal/i18n"
	"github.com/toeirei/keyloader/internal/transfer"
)

// transferIterations overrides the PBKDF2 work factor; tests lower it.
var transferIterations int

func transferOptions() transfer.Options {
	by := appConfig.Export.ExportedBy
	if by == "" {
		if u, err := user.Current(); err == nil {
			by = u.Username
		}
	}
	return transfer.Options{
		ExportedBy: by,
		DeviceID:   appConfig.Export.DeviceID,
		Iterations: transferIterations,
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write a passphrase protected backup of the stored keys",
		Long: `Exports every successfully injected key record. The sealed key material
is encrypted a second time under a key derived from the passphrase. Use "-"
to write to standard output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := repository()
			if err != nil {
				return err
			}
			p := newPrompter(cmd)
			pass, err := p.secret(i18n.T("cli.export.passphrase"))
			if err != nil {
				return err
			}
			defer pass.Zero()
			again, err := p.secret(i18n.T("cli.export.passphrase_confirm"))
			if err != nil {
				return err
			}
			defer again.Zero()
			if !bytes.Equal(pass, again) {
				return errors.New(i18n.T("cli.export.mismatch"))
			}

			doc, err := transfer.Export(cmd.Context(), store, pass, transferOptions())
			if err != nil {
				return err
			}
			if err := writeDocument(cmd, args[0], doc); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), i18n.T("cli.export.done", doc.KeyCount, args[0]))
			return nil
		},
	}
	return cmd
}

func writeDocument(cmd *cobra.Command, path string, doc *transfer.Document) error {
	if path == "-" {
		return doc.Encode(cmd.OutOrStdout())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := doc.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore key records from an export file",
		Long: `Imports the records of an export file in one transaction. Records whose
check value is already stored are skipped, as are records whose slot and
type are taken by another key. Use "-" to read from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := repository()
			if err != nil {
				return err
			}
			p := newPrompter(cmd)
			doc, err := readDocument(cmd, args[0])
			if err != nil {
				return err
			}
			pass, err := p.secret(i18n.T("cli.import.passphrase"))
			if err != nil {
				return err
			}
			defer pass.Zero()
			res, err := transfer.Import(cmd.Context(), store, doc, pass, transferOptions())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.import.done", res.Imported, res.Duplicates, res.Conflicts))
			return nil
		},
	}
	return cmd
}

func readDocument(cmd *cobra.Command, path string) (*transfer.Document, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return transfer.Decode(r)
}
