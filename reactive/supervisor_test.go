// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package reactive

import (
	"context"
	"testing"
	"time"

	"github.com/ironloop/modbus"
	"github.com/ironloop/modbus/internal/slave"
	"github.com/ironloop/modbus/internal/testutil"
)

func newTCPFactory(address string) ClientHandlerFactory {
	return func() (modbus.ClientHandler, error) {
		return modbus.NewTCPClientHandler(address), nil
	}
}

func TestSupervisorConnects(t *testing.T) {
	cleanup, address := testutil.StartTCPSimulator(t)
	defer cleanup()

	sup := NewSupervisor(newTCPFactory(address))
	sup.CheckInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := sup.Run(ctx)

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("expected a connect event, got error: %v", ev.Err)
		}
		if ev.Value == nil {
			t.Fatal("expected a non-nil client on connect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}
}

// TestSupervisorStaysConnectedAcrossProbes exercises CheckConnection over
// several intervals against a real slave: it must not misreport a healthy
// connection as dead (which would previously happen because the slave had
// no Diagnostics handler, so every liveness probe failed and the connection
// churned disconnect/reconnect forever).
func TestSupervisorStaysConnectedAcrossProbes(t *testing.T) {
	cleanup, address := testutil.StartTCPSimulator(t)
	defer cleanup()

	sup := NewSupervisor(newTCPFactory(address))
	sup.CheckInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := sup.Run(ctx)

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("expected a connect event, got error: %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	// A genuinely healthy connection should not emit anything further
	// across several check intervals: no spurious disconnect, no reconnect.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event on a healthy connection: %+v", ev)
	case <-time.After(150 * time.Millisecond):
		// expected: quiet channel
	}
}

func TestSupervisorStopsOnContextCancel(t *testing.T) {
	cleanup, address := testutil.StartTCPSimulator(t)
	defer cleanup()

	sup := NewSupervisor(newTCPFactory(address))
	sup.CheckInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	events := sup.Run(ctx)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			// drain until closed
			for range events {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}

func TestSupervisorPollReadHoldingRegisters(t *testing.T) {
	config := &slave.DataStoreConfig{
		HoldingRegs: map[uint16]uint16{0: 42},
	}
	cleanup, address := testutil.StartTCPSimulator(t, testutil.WithTCPDataStoreConfig(config))
	defer cleanup()

	sup := NewSupervisor(newTCPFactory(address))
	sup.CheckInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Run(ctx)

	results := sup.PollReadHoldingRegisters(ctx, 0, 1, 20*time.Millisecond)

	select {
	case ev := <-results:
		if ev.Err != nil {
			t.Fatalf("unexpected poll error: %v", ev.Err)
		}
		if len(ev.Value) != 2 || ev.Value[0] != 0 || ev.Value[1] != 42 {
			t.Fatalf("unexpected register payload: % x", ev.Value)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for poll result")
	}
}

func TestSupervisorWriteHoldingRegisters(t *testing.T) {
	cleanup, address := testutil.StartTCPSimulator(t)
	defer cleanup()

	sup := NewSupervisor(newTCPFactory(address))
	sup.CheckInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Run(ctx)

	values := make(chan []uint16, 1)
	values <- []uint16{7, 8, 9}
	close(values)

	results := sup.WriteHoldingRegisters(ctx, 0, values)

	select {
	case ev := <-results:
		if ev.Err != nil {
			t.Fatalf("unexpected write error: %v", ev.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for write result")
	}
}
