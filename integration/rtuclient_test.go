// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ironloop/modbus"
	"github.com/ironloop/modbus/internal/testutil"
)

func TestRTUClient(t *testing.T) {
	cleanup, devicePath := testutil.StartRTUSimulator(t)
	defer cleanup()

	client := modbus.RTUClient(devicePath)
	ClientTestAll(t, client)
}

func TestRTUClientAdvancedUsage(t *testing.T) {
	cleanup, devicePath := testutil.StartRTUSimulator(t, testutil.WithSlaveID(17))
	defer cleanup()

	handler := modbus.NewRTUClientHandler(devicePath)
	handler.Timeout = 5 * time.Second
	handler.SlaveID = 17
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	defer handler.Close()

	client := modbus.NewClient(handler)
	ctx := context.Background()

	results, err := client.ReadHoldingRegisters(ctx, 0, 2)
	if err != nil || results == nil {
		t.Fatal(err, results)
	}

	results, err = client.WriteMultipleRegisters(ctx, 0, 2, []byte{0, 5, 0, 6})
	if err != nil || results == nil {
		t.Fatal(err, results)
	}
}
