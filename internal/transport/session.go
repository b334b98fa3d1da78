// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/internal/protocol"
)

// ErrSessionActive is returned by Listen on a session that already listens.
var ErrSessionActive = errors.New("session already listening")

// ErrSessionClosed is returned by Listen after Close.
var ErrSessionClosed = errors.New("session closed")

// Handler executes one command and produces its response.
type Handler interface {
	Handle(ctx context.Context, cmd protocol.Command) protocol.Response
}

// stopper is implemented by handlers that can end service, for example after
// the receiver app was uninstalled.
type stopper interface {
	Stopped() bool
}

// Event reports a link state change of a session.
type Event struct {
	State ConnState
	Err   error
	At    time.Time
}

// Session runs the receiver read loop over one port. Commands are handled
// strictly one after another.
type Session struct {
	mu      sync.Mutex
	port    Port
	codec   protocol.Codec
	handler Handler
	events  chan Event

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	closed bool
}

// NewSession binds a port, a codec and a handler.
func NewSession(port Port, codec protocol.Codec, handler Handler) *Session {
	return &Session{
		port:    port,
		codec:   codec,
		handler: handler,
		events:  make(chan Event, 16),
	}
}

// Events reports link state changes. Events are dropped when nobody reads.
// The channel is closed after the Disconnected event.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(st ConnState, err error) {
	select {
	case s.events <- Event{State: st, Err: err, At: time.Now()}:
	default:
	}
}

// Listen starts the read loop.
func (s *Session) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.done != nil {
		return ErrSessionActive
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.emit(StateConnected, nil)
	go func() {
		defer close(s.done)
		err := s.loop(ctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.emit(StateDisconnected, err)
		close(s.events)
	}()
	return nil
}

// Wait blocks until the read loop ends. A graceful end (disconnect, Close,
// context cancellation, stop requested by the handler) returns nil.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the read loop, waits for it and closes the port.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return s.port.Close()
}

func (s *Session) loop(ctx context.Context) error {
	dec := s.codec.NewDecoder()
	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for cmd := range dec.All() {
				resp := s.handler.Handle(ctx, cmd)
				if _, werr := s.port.Write(s.codec.EncodeResponse(resp)); werr != nil {
					if IsDisconnect(werr) {
						logging.Infof("transport: link lost while answering %s", cmd.Code())
						return nil
					}
					return fmt.Errorf("write response: %w", werr)
				}
				if st, ok := s.handler.(stopper); ok && st.Stopped() {
					logging.Infof("transport: handler stopped service, closing session")
					return nil
				}
			}
		}
		if err != nil {
			if IsDisconnect(err) || ctx.Err() != nil {
				logging.Infof("transport: link closed: %v", err)
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

// Opener opens a fresh port for each session.
type Opener func(ctx context.Context) (Port, error)

// Supervisor keeps a receiver session running across disconnects.
type Supervisor struct {
	Open    Opener
	Codec   protocol.Codec
	Handler Handler
	// Retry is the pause between a lost link and the next open, 2s when zero.
	Retry time.Duration
	// OnSession is called with each new session, for example to drain events.
	OnSession func(*Session)
}

// Run serves sessions until ctx ends or the handler stops service.
func (sv *Supervisor) Run(ctx context.Context) error {
	retry := sv.Retry
	if retry <= 0 {
		retry = 2 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		port, err := sv.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Warnf("transport: open failed, retrying in %s: %v", retry, err)
		} else {
			sess := NewSession(port, sv.Codec, sv.Handler)
			if sv.OnSession != nil {
				sv.OnSession(sess)
			}
			if err := sess.Listen(ctx); err != nil {
				_ = port.Close()
				return err
			}
			werr := sess.Wait()
			_ = sess.Close()
			if werr != nil {
				logging.Errorf("transport: session ended: %v", werr)
			}
			if st, ok := sv.Handler.(stopper); ok && st.Stopped() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}
