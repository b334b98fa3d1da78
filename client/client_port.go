// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/protocol"
	"github.com/toeirei/keyloader/internal/transport"
)

// ErrNoResponse is returned when the receiver does not answer in time.
var ErrNoResponse = errors.New("no response from receiver")

// PortClient talks to a receiver over a transport port. One command is in
// flight at a time.
type PortClient struct {
	helpers
	config Config
	codec  protocol.Codec

	mu   sync.Mutex
	port transport.Port
	dec  *protocol.Decoder[protocol.Response]
}

// *PortClient implements Client
var _ Client = (*PortClient)(nil)

// NewPortClient wraps an open port.
func NewPortClient(port transport.Port, config Config) (*PortClient, error) {
	codec, err := protocol.New(config.Family)
	if err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = NewDefaultConfig().Timeout
	}
	c := &PortClient{config: config, codec: codec, port: port, dec: codec.NewResponseDecoder()}
	c.helpers = helpers{s: c}
	return c, nil
}

// Close closes the port.
func (c *PortClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}

// Send writes cmd and reads until its response arrives. Responses to other
// commands, left over from an earlier timeout, are discarded.
func (c *PortClient) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	frame, err := c.codec.EncodeCommand(cmd)
	if err != nil {
		return protocol.Response{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if _, err := c.port.Write(frame); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", cmd.Code(), err)
	}
	logging.Debugf("client: sent %s", cmd.Code())

	buf := make([]byte, 256)
	for {
		for resp := range c.dec.All() {
			if resp.Command != cmd.Code() {
				logging.Warnf("client: discarding stale %s response", resp.Command)
				continue
			}
			logging.Debugf("client: %s -> %s", cmd.Code(), resp.Code)
			return checked(resp, nil)
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return protocol.Response{}, fmt.Errorf("%w: %s after %s", ErrNoResponse, cmd.Code(), c.config.Timeout)
			}
			return protocol.Response{}, err
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			_, _ = c.dec.Write(buf[:n])
		}
		if err != nil {
			return protocol.Response{}, fmt.Errorf("read %s response: %w", cmd.Code(), err)
		}
	}
}

// Dial opens a port with the transport settings and wraps it.
func Dial(ctx context.Context, open func(context.Context) (transport.Port, error), config Config) (*PortClient, error) {
	port, err := open(ctx)
	if err != nil {
		return nil, err
	}
	c, err := NewPortClient(port, config)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return c, nil
}

// pollInterval paces WaitReady.
const pollInterval = 500 * time.Millisecond

// WaitReady polls until the receiver answers or ctx ends.
func (c *PortClient) WaitReady(ctx context.Context) error {
	for {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := c.Poll(pctx)
		cancel()
		if err == nil {
			return nil
		}
		if _, rejected := CodeOf(err); rejected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("receiver not ready: %w", err)
		case <-time.After(pollInterval):
		}
	}
}
