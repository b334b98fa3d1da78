// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyloader/client"
	"github.com/toeirei/keyloader/internal/i18n"
	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/protocol"
	"github.com/toeirei/keyloader/internal/transport"
)

// dialClient is swapped in tests.
var dialClient = func(ctx context.Context, cfg client.Config) (client.Client, func(), error) {
	c, err := client.Dial(ctx, func(ctx context.Context) (transport.Port, error) {
		return transport.Dial(ctx, appConfig.Transport)
	}, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := c.WaitReady(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, nil, err
	}
	return c, func() { _ = c.Close(context.Background()) }, nil
}

// connect returns a client for the send subcommands. With --loopback the
// commands go to a receiver running in this process against the local
// repository.
func connect(cmd *cobra.Command) (client.Client, func(), error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cfg := client.Config{Family: appConfig.Protocol.Family, Timeout: timeout}
	if loop, _ := cmd.Flags().GetBool("loopback"); loop {
		o, release, err := newReceiver()
		if err != nil {
			return nil, nil, err
		}
		c, err := client.NewLoopbackClient(o, cfg)
		if err != nil {
			release()
			return nil, nil, err
		}
		return c, release, nil
	}
	return dialClient(cmd.Context(), cfg)
}

// withClient runs fn with a connected client and reports rejections with
// their translated description.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c client.Client, out io.Writer) error) error {
	c, release, err := connect(cmd)
	if err != nil {
		return err
	}
	defer release()
	out := cmd.OutOrStdout()
	err = fn(cmd.Context(), c, out)
	if code, ok := client.CodeOf(err); ok {
		fmt.Fprintln(out, i18n.T("cli.send.result", code.Wire(), i18n.T("response."+code.Wire())))
	}
	return err
}

func printOK(out io.Writer) {
	fmt.Fprintln(out, i18n.T("cli.send.result", protocol.RespSuccessful.Wire(), i18n.T("response."+protocol.RespSuccessful.Wire())))
}

// newSendCmd groups the injector commands.
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send commands to a receiver (injector role)",
	}
	addTransportFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().Duration("timeout", 30*time.Second, "Response timeout per command")
	cmd.PersistentFlags().Bool("loopback", false, "Use an in-process receiver on the local repository")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "poll",
			Short: "Check that the receiver answers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
					resp, err := c.Poll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, i18n.T("cli.send.identity", resp.Serial, resp.Model))
					return nil
				})
			},
		},
		newSerialCmd(),
		&cobra.Command{
			Use:   "brand <brand>",
			Short: "Ask the receiver to confirm the device brand",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
					if err := c.ValidateBrand(ctx, args[0]); err != nil {
						return err
					}
					printOK(out)
					return nil
				})
			},
		},
		newInjectCmd(),
		newSendDeleteCmd(),
		newSendDeleteAllCmd(),
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the receiver application; the receiver stops serving",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
					if err := c.Uninstall(ctx); err != nil {
						return err
					}
					printOK(out)
					return nil
				})
			},
		},
	)
	return cmd
}

func newSerialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Read or write the device serial number",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "read",
			Short: "Read the device serial number",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
					s, err := c.ReadSerial(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, s)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "write <serial>",
			Short: "Write the device serial number",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
					if err := c.WriteSerial(ctx, args[0]); err != nil {
						return err
					}
					printOK(out)
					return nil
				})
			},
		},
	)
	return cmd
}

func newInjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject a symmetric key",
		Long: `Sends one inject command. The key is read from --key or, when absent,
prompted for without echo. Encryption types: plaintext (00), ktk-wrapped (01),
hardware-passthrough (02), dukpt-tr31 (04), dukpt-plaintext (05).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inj, err := injectFromFlags(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
				kcv, err := c.Inject(ctx, inj)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, i18n.T("cli.send.kcv", kcv))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.Int("slot", 0, "Target slot (DUKPT group for dukpt-initial keys)")
	f.String("type", "master", "Key type (master, transport, working-pin, working-mac, working-data, dukpt-initial)")
	f.String("algorithm", "3des-double", "Algorithm (des, 3des-double, 3des-triple, aes-128, aes-192, aes-256, sm4)")
	f.String("encryption", "plaintext", "Encryption type name or code")
	f.String("key", "", "Key material as hex; prompted when empty")
	f.String("kcv", "", "Expected key check value")
	f.Int("ktk-slot", 0, "Slot of the transport key for wrapped keys")
	f.String("ktk-kcv", "", "Check value of the transport key")
	f.String("ksn", "", "Key serial number for DUKPT keys (hex)")
	return cmd
}

func injectFromFlags(cmd *cobra.Command) (protocol.InjectSymmetricKey, error) {
	f := cmd.Flags()
	var inj protocol.InjectSymmetricKey
	var err error
	inj.Slot, _ = f.GetInt("slot")
	inj.KTKSlot, _ = f.GetInt("ktk-slot")
	s, _ := f.GetString("type")
	if inj.KeyType, err = model.ParseKeyType(s); err != nil {
		return inj, err
	}
	s, _ = f.GetString("algorithm")
	if inj.Algorithm, err = model.ParseAlgorithm(s); err != nil {
		return inj, err
	}
	s, _ = f.GetString("encryption")
	if inj.EncryptionType, err = protocol.ParseEncryptionType(strings.ToLower(s)); err != nil {
		return inj, err
	}
	inj.KCV, _ = f.GetString("kcv")
	inj.KTKChecksum, _ = f.GetString("ktk-kcv")
	inj.KSN, _ = f.GetString("ksn")
	inj.KeyHex, _ = f.GetString("key")
	if inj.KeyHex == "" {
		secret, err := newPrompter(cmd).secret(i18n.T("cli.send.key_prompt"))
		if err != nil {
			return inj, err
		}
		defer secret.Zero()
		inj.KeyHex = strings.TrimSpace(string(secret))
	}
	if inj.KeyHex == "" {
		return inj, errors.New(i18n.T("cli.send.key_missing"))
	}
	return inj, nil
}

func newSendDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <slot>",
		Short: "Delete the keys at a slot, or one key with --type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot %q: %w", args[0], err)
			}
			typ, _ := cmd.Flags().GetString("type")
			var kt model.KeyType
			if typ != "" {
				if kt, err = model.ParseKeyType(typ); err != nil {
					return err
				}
			}
			return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
				if typ != "" {
					err = c.DeleteSingleKey(ctx, slot, kt)
				} else {
					err = c.DeleteKey(ctx, slot)
				}
				if err != nil {
					return err
				}
				printOK(out)
				return nil
			})
		},
	}
	cmd.Flags().String("type", "", "Delete only the key of this type")
	return cmd
}

func newSendDeleteAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every key on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				if !newPrompter(cmd).confirm(i18n.T("cli.send.delete_all_confirm")) {
					fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.aborted"))
					return nil
				}
			}
			return withClient(cmd, func(ctx context.Context, c client.Client, out io.Writer) error {
				if err := c.DeleteAllKeys(ctx); err != nil {
					return err
				}
				printOK(out)
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "Do not ask for confirmation")
	return cmd
}
