// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package reactive

import (
	"context"
	"time"

	"github.com/ironloop/modbus"
)

// waitConnected blocks until the Supervisor has a live client, ctx is
// cancelled, or interval has elapsed with no connection — in which case it
// retries the wait rather than giving up, since disconnects are expected to
// be transient.
func (s *Supervisor) waitConnected(ctx context.Context) (modbus.Client, bool) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.RLock()
		client := s.client
		connected := s.connected
		s.mu.RUnlock()
		if connected && client != nil {
			return client, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// pollBytes is the shared loop behind the four PollRead* methods: it waits
// for a connection, calls read every interval, and republishes the result.
// Read errors are non-terminal — the loop keeps polling after one.
func pollBytes(ctx context.Context, s *Supervisor, interval time.Duration, read func(modbus.Client) ([]byte, error)) <-chan Event[[]byte] {
	out := make(chan Event[[]byte], 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			client, ok := s.waitConnected(ctx)
			if !ok {
				return
			}

			data, err := read(client)
			select {
			case out <- Event[[]byte]{Value: data, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// PollReadCoils polls ReadCoils at interval while connected, pushing each
// result or error onto the returned channel until ctx is cancelled.
func (s *Supervisor) PollReadCoils(ctx context.Context, address, quantity uint16, interval time.Duration) <-chan Event[[]byte] {
	return pollBytes(ctx, s, interval, func(c modbus.Client) ([]byte, error) {
		return c.ReadCoils(ctx, address, quantity)
	})
}

// PollReadDiscreteInputs polls ReadDiscreteInputs at interval while connected.
func (s *Supervisor) PollReadDiscreteInputs(ctx context.Context, address, quantity uint16, interval time.Duration) <-chan Event[[]byte] {
	return pollBytes(ctx, s, interval, func(c modbus.Client) ([]byte, error) {
		return c.ReadDiscreteInputs(ctx, address, quantity)
	})
}

// PollReadHoldingRegisters polls ReadHoldingRegisters at interval while connected.
func (s *Supervisor) PollReadHoldingRegisters(ctx context.Context, address, quantity uint16, interval time.Duration) <-chan Event[[]byte] {
	return pollBytes(ctx, s, interval, func(c modbus.Client) ([]byte, error) {
		return c.ReadHoldingRegisters(ctx, address, quantity)
	})
}

// PollReadInputRegisters polls ReadInputRegisters at interval while connected.
func (s *Supervisor) PollReadInputRegisters(ctx context.Context, address, quantity uint16, interval time.Duration) <-chan Event[[]byte] {
	return pollBytes(ctx, s, interval, func(c modbus.Client) ([]byte, error) {
		return c.ReadInputRegisters(ctx, address, quantity)
	})
}

// WriteHoldingRegisters drains values and writes each to address as it
// arrives, reusing whatever connection is live at the time. The returned
// channel carries one Event per input value, in order, and closes when
// values closes or ctx is cancelled.
func (s *Supervisor) WriteHoldingRegisters(ctx context.Context, address uint16, values <-chan []uint16) <-chan Event[struct{}] {
	out := make(chan Event[struct{}], 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case regs, ok := <-values:
				if !ok {
					return
				}

				client, connected := s.waitConnected(ctx)
				if !connected {
					return
				}

				payload := registersToWireBytes(regs)
				_, err := client.WriteMultipleRegisters(ctx, address, uint16(len(regs)), payload)

				select {
				case out <- Event[struct{}]{Err: err}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// registersToWireBytes big-endian encodes a slice of 16-bit registers the
// way WriteMultipleRegisters expects its payload.
func registersToWireBytes(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[i*2] = byte(r >> 8)
		out[i*2+1] = byte(r)
	}
	return out
}
