// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import (
	"context"

	"github.com/toeirei/keyloader/internal/model"
	"github.com/toeirei/keyloader/internal/protocol"
)

type MockClient struct {
	BaseClient Client
	Overwrites MockClientOverwrites
}

type MockClientOverwrites struct {
	Close           func(ctx context.Context) error
	Send            func(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
	Poll            func(ctx context.Context) (protocol.Response, error)
	ReadSerial      func(ctx context.Context) (string, error)
	WriteSerial     func(ctx context.Context, serial string) error
	ValidateBrand   func(ctx context.Context, brand string) error
	Inject          func(ctx context.Context, cmd protocol.InjectSymmetricKey) (string, error)
	DeleteKey       func(ctx context.Context, slot int) error
	DeleteSingleKey func(ctx context.Context, slot int, t model.KeyType) error
	DeleteAllKeys   func(ctx context.Context) error
	Uninstall       func(ctx context.Context) error
}

var _ Client = (*MockClient)(nil)

// client := NewMockClient(nil, MockClientOverwrites{ /* overwrite Client methods here... */ })
func NewMockClient(base Client, overwrites MockClientOverwrites) *MockClient {
	return &MockClient{
		BaseClient: base,
		Overwrites: overwrites,
	}
}

// --- Client implementation ---

func (m *MockClient) Close(ctx context.Context) error {
	if m.Overwrites.Close != nil {
		return m.Overwrites.Close(ctx)
	} else if m.BaseClient != nil {
		return m.BaseClient.Close(ctx)
	}
	panic("MockClient.Close not implemented")
}
func (m *MockClient) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	if m.Overwrites.Send != nil {
		return m.Overwrites.Send(ctx, cmd)
	} else if m.BaseClient != nil {
		return m.BaseClient.Send(ctx, cmd)
	}
	panic("MockClient.Send not implemented")
}
func (m *MockClient) Poll(ctx context.Context) (protocol.Response, error) {
	if m.Overwrites.Poll != nil {
		return m.Overwrites.Poll(ctx)
	} else if m.BaseClient != nil {
		return m.BaseClient.Poll(ctx)
	}
	panic("MockClient.Poll not implemented")
}
func (m *MockClient) ReadSerial(ctx context.Context) (string, error) {
	if m.Overwrites.ReadSerial != nil {
		return m.Overwrites.ReadSerial(ctx)
	} else if m.BaseClient != nil {
		return m.BaseClient.ReadSerial(ctx)
	}
	panic("MockClient.ReadSerial not implemented")
}
func (m *MockClient) WriteSerial(ctx context.Context, serial string) error {
	if m.Overwrites.WriteSerial != nil {
		return m.Overwrites.WriteSerial(ctx, serial)
	} else if m.BaseClient != nil {
		return m.BaseClient.WriteSerial(ctx, serial)
	}
	panic("MockClient.WriteSerial not implemented")
}
func (m *MockClient) ValidateBrand(ctx context.Context, brand string) error {
	if m.Overwrites.ValidateBrand != nil {
		return m.Overwrites.ValidateBrand(ctx, brand)
	} else if m.BaseClient != nil {
		return m.BaseClient.ValidateBrand(ctx, brand)
	}
	panic("MockClient.ValidateBrand not implemented")
}
func (m *MockClient) Inject(ctx context.Context, cmd protocol.InjectSymmetricKey) (string, error) {
	if m.Overwrites.Inject != nil {
		return m.Overwrites.Inject(ctx, cmd)
	} else if m.BaseClient != nil {
		return m.BaseClient.Inject(ctx, cmd)
	}
	panic("MockClient.Inject not implemented")
}
func (m *MockClient) DeleteKey(ctx context.Context, slot int) error {
	if m.Overwrites.DeleteKey != nil {
		return m.Overwrites.DeleteKey(ctx, slot)
	} else if m.BaseClient != nil {
		return m.BaseClient.DeleteKey(ctx, slot)
	}
	panic("MockClient.DeleteKey not implemented")
}
func (m *MockClient) DeleteSingleKey(ctx context.Context, slot int, t model.KeyType) error {
	if m.Overwrites.DeleteSingleKey != nil {
		return m.Overwrites.DeleteSingleKey(ctx, slot, t)
	} else if m.BaseClient != nil {
		return m.BaseClient.DeleteSingleKey(ctx, slot, t)
	}
	panic("MockClient.DeleteSingleKey not implemented")
}
func (m *MockClient) DeleteAllKeys(ctx context.Context) error {
	if m.Overwrites.DeleteAllKeys != nil {
		return m.Overwrites.DeleteAllKeys(ctx)
	} else if m.BaseClient != nil {
		return m.BaseClient.DeleteAllKeys(ctx)
	}
	panic("MockClient.DeleteAllKeys not implemented")
}
func (m *MockClient) Uninstall(ctx context.Context) error {
	if m.Overwrites.Uninstall != nil {
		return m.Overwrites.Uninstall(ctx)
	} else if m.BaseClient != nil {
		return m.BaseClient.Uninstall(ctx)
	}
	panic("MockClient.Uninstall not implemented")
}
