// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport carries codec frames between the injector and the
// receiver: serial ports for real links, tcp and unix sockets for emulators.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/toeirei/keyloader/internal/config"
	"github.com/toeirei/keyloader/internal/logging"
)

// DefaultReadTimeout bounds every Read so loops observe cancellation.
const DefaultReadTimeout = time.Second

// Port is a byte link. Read returns (0, nil) when the read timeout expires
// without data.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// serialPort adapts go.bug.st/serial, which already reports timeouts as
// (0, nil).
type serialPort struct {
	serial.Port
	name string
}

func (p *serialPort) String() string { return "serial:" + p.name }

// connPort adapts a net.Conn to Port semantics.
type connPort struct {
	net.Conn
	timeout time.Duration
}

func newConnPort(c net.Conn) *connPort { return &connPort{Conn: c, timeout: DefaultReadTimeout} }

// NewConnPort wraps an established connection, for example one end of
// net.Pipe.
func NewConnPort(c net.Conn) Port { return newConnPort(c) }

func (p *connPort) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func (p *connPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.Conn.Read(b)
	var ne net.Error
	if err != nil && errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *connPort) String() string {
	if a := p.Conn.RemoteAddr(); a != nil {
		return a.Network() + ":" + a.String()
	}
	return "conn"
}

func readTimeout(cfg config.TransportConfig) time.Duration {
	if cfg.ReadTimeout > 0 {
		return cfg.ReadTimeout
	}
	return DefaultReadTimeout
}

func openSerial(cfg config.TransportConfig) (Port, error) {
	mode := &serial.Mode{BaudRate: cfg.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}
	sp, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	p := &serialPort{Port: sp, name: cfg.Port}
	if err := p.SetReadTimeout(readTimeout(cfg)); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Port, err)
	}
	logging.Debugf("transport: opened %s at %d baud", cfg.Port, mode.BaudRate)
	return p, nil
}

// Dial opens the link from the injector side.
func Dial(ctx context.Context, cfg config.TransportConfig) (Port, error) {
	switch cfg.Kind {
	case "serial", "":
		return openSerial(cfg)
	case "tcp", "unix":
		var d net.Dialer
		c, err := d.DialContext(ctx, cfg.Kind, cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s %s: %w", cfg.Kind, cfg.Address, err)
		}
		p := newConnPort(c)
		p.timeout = readTimeout(cfg)
		return p, nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}

// Accept opens the link from the receiver side. Network kinds listen on the
// configured address and return the first connection; serial opens the port.
func Accept(ctx context.Context, cfg config.TransportConfig) (Port, error) {
	switch cfg.Kind {
	case "serial", "":
		return openSerial(cfg)
	case "tcp", "unix":
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	if cfg.Kind == "unix" {
		_ = os.Remove(cfg.Address)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, cfg.Kind, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", cfg.Kind, cfg.Address, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	logging.Infof("transport: waiting for injector on %s %s", cfg.Kind, ln.Addr())
	c, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept on %s: %w", cfg.Address, err)
	}
	p := newConnPort(c)
	p.timeout = readTimeout(cfg)
	return p, nil
}

// IsDisconnect reports whether err means the physical link went away. Such
// errors end a session gracefully.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var pe *serial.PortError
	if errors.As(err, &pe) {
		return pe.Code() == serial.PortClosed
	}
	return false
}
