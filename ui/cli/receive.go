// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyloader/internal/i18n"
	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/protocol"
	"github.com/toeirei/keyloader/internal/transport"
)

func addTransportFlags(fs interface {
	String(name, value, usage string) *string
}) {
	fs.String("transport.kind", "", "Link kind (serial, tcp, unix)")
	fs.String("transport.port", "", "Serial device path")
	fs.String("transport.address", "", "Network address for tcp or unix links")
	fs.String("protocol.family", "", "Protocol family (framed, legacy)")
}

func transportName() string {
	if appConfig.Transport.Kind == "serial" || appConfig.Transport.Kind == "" {
		return appConfig.Transport.Port
	}
	return appConfig.Transport.Kind + ":" + appConfig.Transport.Address
}

// newReceiveCmd runs the receiver role: it serves injector sessions on the
// configured link until interrupted or uninstalled.
func newReceiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Run the receiver next to the PIN entry device",
		Long: `Opens the configured link and serves injector commands one at a time.
Deletions interrupted by a previous crash are reconciled with the device
first. The link is reopened after every disconnect.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReceiver(ctx, cmd)
		},
	}
	addTransportFlags(cmd.Flags())
	cmd.Flags().String("device.manufacturer", "", "PED adapter (soft, soft-tdes)")
	return cmd
}

func runReceiver(ctx context.Context, cmd *cobra.Command) error {
	codec, err := protocol.New(appConfig.Protocol.Family)
	if err != nil {
		return err
	}
	o, release, err := newReceiver()
	if err != nil {
		return err
	}
	defer release()

	if n, err := o.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted deletions: %w", err)
	} else if n > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.receive.recovered", n))
	}

	go drainEvents(ctx, o)
	if appConfig.Transport.Kind == "serial" || appConfig.Transport.Kind == "" {
		states := make(chan transport.ConnState, 4)
		mon := transport.NewMonitor(transport.SerialPresence(appConfig.Transport.Port), appConfig.Transport.ReadTimeout, appConfig.Transport.Hysteresis)
		go mon.Run(ctx, states)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-states:
					logging.Infof("receiver: %s is %s", appConfig.Transport.Port, s)
				}
			}
		}()
	}

	sv := &transport.Supervisor{
		Open:    func(ctx context.Context) (transport.Port, error) { return transport.Accept(ctx, appConfig.Transport) },
		Codec:   codec,
		Handler: o,
		OnSession: func(s *transport.Session) {
			go func() {
				for ev := range s.Events() {
					if ev.Err != nil {
						logging.Warnf("receiver: link %s: %v", ev.State, ev.Err)
						continue
					}
					logging.Infof("receiver: link %s", ev.State)
				}
			}()
		},
	}

	fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.receive.listening", transportName(), codec.Family(), appConfig.Device.Manufacturer))
	err = sv.Run(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.receive.stopped"))
	return err
}
