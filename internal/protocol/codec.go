// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package protocol frames and parses the injector/receiver wire protocol.
// Two families share one payload format: "framed" (STX payload ETX LRC) and
// "legacy" (STX MTI LEN body ETX LRC).
package protocol

import (
	"fmt"
)

// Family names a protocol family.
type Family string

const (
	FamilyFramed Family = "framed"
	FamilyLegacy Family = "legacy"
)

// Codec converts commands and responses to and from wire bytes. The same
// codec serves both roles.
type Codec interface {
	Family() Family
	EncodeCommand(Command) ([]byte, error)
	EncodeResponse(Response) []byte
	NewDecoder() *Decoder[Command]
	NewResponseDecoder() *Decoder[Response]
}

// New returns the codec for the named family.
func New(family string) (Codec, error) {
	switch Family(family) {
	case FamilyFramed, "":
		return &codec{family: FamilyFramed, framer: framedFramer{}}, nil
	case FamilyLegacy:
		return &codec{family: FamilyLegacy, framer: legacyFramer{}}, nil
	}
	return nil, fmt.Errorf("unknown protocol family %q", family)
}

type codec struct {
	family Family
	framer framer
}

func (c *codec) Family() Family { return c.family }

func (c *codec) EncodeCommand(cmd Command) ([]byte, error) {
	if _, bad := cmd.(MalformedCommand); bad {
		return nil, fmt.Errorf("%w: malformed command", ErrUnsupported)
	}
	if err := checkFields(cmd.fields()); err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Code(), err)
	}
	payload := joinPayload(cmd.Code().Wire(), cmd.fields())
	if c.family == FamilyLegacy {
		if cmd.Code() == CmdPoll {
			return c.framer.wrap(Frame{MTI: MTIPoll}), nil
		}
		return c.framer.wrap(Frame{MTI: MTICommand, Payload: payload}), nil
	}
	return c.framer.wrap(Frame{Payload: payload}), nil
}

func (c *codec) EncodeResponse(r Response) []byte {
	payload := responsePayload(r)
	if c.family == FamilyLegacy {
		mti := MTICommandResp
		if r.Command == CmdPoll {
			mti = MTIPollAck
		}
		return c.framer.wrap(Frame{MTI: mti, Payload: payload})
	}
	return c.framer.wrap(Frame{Payload: payload})
}

func (c *codec) NewDecoder() *Decoder[Command] {
	return newDecoder(c.framer, func(f Frame) (Command, error) {
		switch f.MTI {
		case "", MTICommand:
			return parseCommand(f.Payload)
		case MTIPoll:
			if len(f.Payload) != 0 {
				return nil, fmt.Errorf("%w: poll with body", ErrWrongMessage)
			}
			return Poll{}, nil
		}
		return nil, fmt.Errorf("%w: mti %s", ErrWrongMessage, f.MTI)
	})
}

func (c *codec) NewResponseDecoder() *Decoder[Response] {
	return newDecoder(c.framer, func(f Frame) (Response, error) {
		switch f.MTI {
		case "", MTICommandResp:
			return parseResponse(f.Payload)
		case MTIPollAck:
			if len(f.Payload) == 0 {
				return Response{Command: CmdPoll, Code: RespSuccessful}, nil
			}
			return parseResponse(f.Payload)
		}
		return Response{}, fmt.Errorf("%w: mti %s", ErrWrongMessage, f.MTI)
	})
}
