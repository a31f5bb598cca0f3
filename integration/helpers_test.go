// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"
	"testing"

	"github.com/ironloop/modbus"
)

// ClientTestAll exercises every operation on the Client interface against a
// live slave, shared across the per-transport integration tests so each one
// only has to set up its own simulator and handler.
func ClientTestAll(t *testing.T, client modbus.Client) {
	t.Helper()
	ctx := context.Background()

	results, err := client.ReadCoils(ctx, 0, 8)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.ReadDiscreteInputs(ctx, 0, 8)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.ReadHoldingRegisters(ctx, 0, 2)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.ReadInputRegisters(ctx, 0, 2)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.WriteSingleCoil(ctx, 0, 0xFF00)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.WriteSingleRegister(ctx, 0, 3)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.WriteMultipleCoils(ctx, 0, 8, []byte{0xFF})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.WriteMultipleRegisters(ctx, 0, 2, []byte{0, 1, 0, 2})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.ReadWriteMultipleRegisters(ctx, 0, 2, 0, 2, []byte{0, 9, 0, 10})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	echoed, err := client.ReturnQueryData(ctx, 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if !echoed {
		t.Fatal("expected ReturnQueryData to echo the request data back unchanged")
	}
}
