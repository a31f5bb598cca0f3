// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package reactive

import (
	"context"
	"testing"
	"time"

	"github.com/ironloop/modbus/internal/slave"
)

func TestObserveHoldingRegistersEmitsOnChangeOnly(t *testing.T) {
	ds := slave.NewDataStore(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := ObserveHoldingRegisters(ctx, ds, 0, 2, 10*time.Millisecond)

	// First tick: the zeroed bank is the initial value, so it must emit once.
	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		if len(ev.Value) != 2 {
			t.Fatalf("expected 2 registers, got %d", len(ev.Value))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	// No write: a few more ticks should produce no further events.
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("expected no further events without a write, got %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		// expected: quiet channel
	}

	if err := ds.WriteSingleRegister(0, 99); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		if ev.Value[0] != 99 {
			t.Fatalf("expected changed value 99, got %d", ev.Value[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event after write")
	}
}

func TestObserveCoilsEmitsOnChangeOnly(t *testing.T) {
	ds := slave.NewDataStore(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := ObserveCoils(ctx, ds, 0, 4, 10*time.Millisecond)

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}

	if err := ds.WriteSingleCoil(2, true); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("unexpected error: %v", ev.Err)
		}
		if !ev.Value[2] {
			t.Fatal("expected coil 2 to be true after write")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event after write")
	}
}

func TestStartTCPServerStopsOnCancel(t *testing.T) {
	ds := slave.NewDataStore(nil)

	ctx, cancel := context.WithCancel(context.Background())

	stop, err := StartTCPServer(ctx, ds, &slave.TCPServerConfig{Address: "localhost:0"})
	if err != nil {
		t.Fatalf("failed to start TCP server: %v", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to stop after context cancel")
	}
}
