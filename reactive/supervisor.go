// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package reactive turns the request/response master engine and the slave
// data store into long-lived channel subscriptions: a Supervisor watches a
// client connection and republishes reads as a stream, and the Observe*
// helpers turn a polled data store into a change feed.
package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/ironloop/modbus"
)

// Event is one item on an observable channel: either a value or an error,
// never both. Errors from polling operations are non-terminal — the channel
// stays open and keeps producing after one.
type Event[T any] struct {
	Value T
	Err   error
}

// ClientHandlerFactory builds a fresh, unconnected client handler. The
// Supervisor calls it once per connection attempt, so it must return a new
// handler each time rather than a value that has already had Close called
// on it.
type ClientHandlerFactory func() (modbus.ClientHandler, error)

// defaultCheckInterval is how often a connected Supervisor probes the
// connection between requests.
const defaultCheckInterval = time.Second

// Supervisor owns the connect/reconnect lifecycle of a single Modbus client
// handler and exposes the currently-connected Client, if any, to pollers.
type Supervisor struct {
	// NewHandler builds a fresh handler on every (re)connect attempt.
	NewHandler ClientHandlerFactory

	// CheckConnection probes an already-Connect'ed handler to decide whether
	// it is still alive. Defaults to a Diagnostics "return query data" round
	// trip through modbus.NewClient(handler).
	CheckConnection func(modbus.ClientHandler) bool

	// CheckInterval is how often Run probes the connection. Defaults to 1s;
	// exported so tests can shrink it.
	CheckInterval time.Duration

	mu        sync.RWMutex
	handler   modbus.ClientHandler
	client    modbus.Client
	connected bool
}

// NewSupervisor creates a Supervisor around the given handler factory, with
// the default connection check and check interval.
func NewSupervisor(factory ClientHandlerFactory) *Supervisor {
	return &Supervisor{
		NewHandler:      factory,
		CheckConnection: defaultCheckConnection,
		CheckInterval:   defaultCheckInterval,
	}
}

// defaultCheckConnection probes liveness with a Return Query Data round
// trip, the same diagnostic sub-function spec.md §6 test property S4 is
// built on.
func defaultCheckConnection(handler modbus.ClientHandler) bool {
	client := modbus.NewClient(handler)
	ctx, cancel := context.WithTimeout(context.Background(), defaultCheckInterval)
	defer cancel()
	ok, err := client.ReturnQueryData(ctx, 0xA5A5)
	return err == nil && ok
}

// Run connects, reconnects on failure, and periodically re-checks the
// connection until ctx is cancelled. It returns a channel of connection
// state transitions: an Event carrying a live *modbus.Client on connect, and
// an Event carrying only an Err on disconnect. The channel is closed when
// ctx is cancelled and the underlying handler has been torn down.
func (s *Supervisor) Run(ctx context.Context) <-chan Event[*modbus.Client] {
	events := make(chan Event[*modbus.Client], 1)

	interval := s.CheckInterval
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	go func() {
		defer close(events)
		defer s.teardown()

		for {
			if !s.isConnected() {
				if err := s.connect(); err != nil {
					select {
					case events <- Event[*modbus.Client]{Err: err}:
					case <-ctx.Done():
						return
					}
					if !sleep(ctx, interval) {
						return
					}
					continue
				}
				select {
				case events <- Event[*modbus.Client]{Value: s.currentClient()}:
				case <-ctx.Done():
					return
				}
			}

			if !sleep(ctx, interval) {
				return
			}

			if !s.probe() {
				s.disconnect()
				select {
				case events <- Event[*modbus.Client]{Err: errDisconnected}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// sleep blocks for d or until ctx is cancelled, returning false on
// cancellation so the caller can exit without another loop iteration.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) connect() error {
	handler, err := s.NewHandler()
	if err != nil {
		return err
	}
	if err := handler.Connect(); err != nil {
		return err
	}

	s.mu.Lock()
	s.handler = handler
	s.client = modbus.NewClient(handler)
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) probe() bool {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return false
	}
	check := s.CheckConnection
	if check == nil {
		check = defaultCheckConnection
	}
	return check(handler)
}

func (s *Supervisor) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		s.handler.Close()
	}
	s.handler = nil
	s.client = nil
	s.connected = false
}

func (s *Supervisor) teardown() {
	s.disconnect()
}

func (s *Supervisor) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Supervisor) currentClient() *modbus.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil
	}
	c := s.client
	return &c
}

var errDisconnected = &disconnectedError{}

type disconnectedError struct{}

func (*disconnectedError) Error() string { return "reactive: client disconnected" }
