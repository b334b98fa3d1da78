// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/toeirei/keyloader/internal/protocol"
	"github.com/toeirei/keyloader/internal/transport"
)

// LoopbackClient hands commands to an in-process receiver. Every command
// and response still passes through the codec, so the bytes are the ones a
// real link would carry.
type LoopbackClient struct {
	helpers
	codec   protocol.Codec
	handler transport.Handler

	mu      sync.Mutex
	cmdDec  *protocol.Decoder[protocol.Command]
	respDec *protocol.Decoder[protocol.Response]
	// Wire records every frame in both directions, oldest first.
	Wire [][]byte
}

// *LoopbackClient implements Client
var _ Client = (*LoopbackClient)(nil)

func NewLoopbackClient(handler transport.Handler, config Config) (*LoopbackClient, error) {
	codec, err := protocol.New(config.Family)
	if err != nil {
		return nil, err
	}
	c := &LoopbackClient{
		codec:   codec,
		handler: handler,
		cmdDec:  codec.NewDecoder(),
		respDec: codec.NewResponseDecoder(),
	}
	c.helpers = helpers{s: c}
	return c, nil
}

func (c *LoopbackClient) Close(ctx context.Context) error {
	return nil
}

func (c *LoopbackClient) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame, err := c.codec.EncodeCommand(cmd)
	if err != nil {
		return protocol.Response{}, err
	}
	c.Wire = append(c.Wire, frame)
	_, _ = c.cmdDec.Write(frame)
	decoded, ok := c.cmdDec.Next()
	if !ok {
		return protocol.Response{}, fmt.Errorf("%s did not survive encoding", cmd.Code())
	}
	out := c.codec.EncodeResponse(c.handler.Handle(ctx, decoded))
	c.Wire = append(c.Wire, out)
	_, _ = c.respDec.Write(out)
	resp, ok := c.respDec.Next()
	if !ok {
		return protocol.Response{}, fmt.Errorf("%s response did not survive encoding", cmd.Code())
	}
	return checked(resp, nil)
}
