// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package protocol

import (
	"iter"

	"github.com/toeirei/keyloader/internal/logging"
)

// Decoder accumulates stream bytes and yields complete messages. Malformed
// frames are logged and dropped; the decoder resynchronizes on the next
// start marker. A Decoder is not safe for concurrent use.
type Decoder[T any] struct {
	framer  framer
	parse   func(Frame) (T, error)
	buf     []byte
	dropped int
}

func newDecoder[T any](f framer, parse func(Frame) (T, error)) *Decoder[T] {
	return &Decoder[T]{framer: f, parse: parse}
}

// Write appends stream bytes. It never fails.
func (d *Decoder[T]) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete message, or false when more input is needed.
func (d *Decoder[T]) Next() (T, bool) {
	var zero T
	for {
		f, n, err := d.framer.split(d.buf)
		if n == 0 && f == nil && err == nil {
			return zero, false
		}
		d.consume(n)
		if err != nil {
			d.dropped++
			logging.Warnf("protocol: dropped frame: %v", err)
			continue
		}
		if f == nil {
			continue
		}
		msg, err := d.parse(*f)
		if err != nil {
			d.dropped++
			logging.Warnf("protocol: dropped frame: %v", err)
			continue
		}
		return msg, true
	}
}

func (d *Decoder[T]) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// All yields every message currently decodable. Ranging again after more
// Writes continues where the previous range stopped.
func (d *Decoder[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			msg, ok := d.Next()
			if !ok || !yield(msg) {
				return
			}
		}
	}
}

// Reset discards any buffered partial frame.
func (d *Decoder[T]) Reset() {
	d.buf = d.buf[:0]
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *Decoder[T]) Buffered() int { return len(d.buf) }

// Dropped returns how many malformed frames were discarded.
func (d *Decoder[T]) Dropped() int { return d.dropped }
