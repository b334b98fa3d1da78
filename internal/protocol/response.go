// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package protocol

import (
	"fmt"
)

// UnknownIdentity is reported when the device cannot supply serial or model.
const UnknownIdentity = "UNKNOWN"

// Response is the reply to exactly one Command.
type Response struct {
	Command CommandCode
	Code    ResponseCode
	KCV     string
	Serial  string
	Model   string
	Brand   string
}

// OK reports whether the response code is Successful.
func (r Response) OK() bool { return r.Code == RespSuccessful }

func (r Response) fields() []string {
	serial, mdl := orUnknown(r.Serial), orUnknown(r.Model)
	switch r.Command {
	case CmdInjectSymmetricKey:
		return []string{r.KCV, serial, mdl}
	case CmdValidateDeviceBrand:
		return []string{r.Brand, serial, mdl}
	default:
		return []string{serial, mdl}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return UnknownIdentity
	}
	return s
}

func responsePayload(r Response) []byte {
	f := append([]string{r.Code.Wire()}, r.fields()...)
	return joinPayload(r.Command.Wire(), f)
}

func parseResponse(payload []byte) (Response, error) {
	code, f, err := splitPayload(payload)
	if err != nil {
		return Response{}, err
	}
	cc := CommandCode(code)
	if _, ok := commandNames[cc]; !ok {
		return Response{}, fmt.Errorf("unknown command code %02d", code)
	}
	if len(f) < 1 {
		return Response{}, fmt.Errorf("response without code")
	}
	rc, err := parseTwoDigits(f[0])
	if err != nil {
		return Response{}, fmt.Errorf("response code: %w", err)
	}
	r := Response{Command: cc, Code: ResponseCode(rc)}
	rest := f[1:]
	switch cc {
	case CmdInjectSymmetricKey:
		if len(rest) != 3 {
			return Response{}, fmt.Errorf("inject response: got %d fields, want 3", len(rest))
		}
		r.KCV, r.Serial, r.Model = rest[0], rest[1], rest[2]
	case CmdValidateDeviceBrand:
		if len(rest) != 3 {
			return Response{}, fmt.Errorf("brand response: got %d fields, want 3", len(rest))
		}
		r.Brand, r.Serial, r.Model = rest[0], rest[1], rest[2]
	default:
		if len(rest) != 2 {
			return Response{}, fmt.Errorf("%s response: got %d fields, want 2", cc, len(rest))
		}
		r.Serial, r.Model = rest[0], rest[1]
	}
	return r, nil
}
