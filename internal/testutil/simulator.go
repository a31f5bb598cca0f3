// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package testutil

import (
	"testing"

	"github.com/ironloop/modbus/internal/slave"
)

// RTUSimulator wraps an RTU server for testing.
type RTUSimulator struct {
	server *slave.RTUServer
	t      *testing.T
}

// RTUSimulatorOption configures an RTU slave.
type RTUSimulatorOption func(*rtuSimulatorConfig)

type rtuSimulatorConfig struct {
	slaveID  byte
	baudRate int
	config   *slave.DataStoreConfig
}

// WithSlaveID sets the slave ID for the slave.
func WithSlaveID(id byte) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.slaveID = id
	}
}

// WithBaudRate sets the baud rate for the slave.
func WithBaudRate(rate int) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.baudRate = rate
	}
}

// WithDataStoreConfig sets initial data values for the slave.
func WithDataStoreConfig(config *slave.DataStoreConfig) RTUSimulatorOption {
	return func(c *rtuSimulatorConfig) {
		c.config = config
	}
}

// StartRTUSimulator creates and starts an RTU Modbus simulator for testing.
// It returns a cleanup function that should be deferred, and the device path
// that clients should use to connect.
//
// Example usage:
//
//	cleanup, devicePath := testutil.StartRTUSimulator(t,
//	    testutil.WithSlaveID(17),
//	    testutil.WithBaudRate(19200))
//	defer cleanup()
//
//	client := modbus.NewRTUClientHandler(devicePath)
//	// ... use client ...
func StartRTUSimulator(t *testing.T, opts ...RTUSimulatorOption) (cleanup func(), devicePath string) {
	t.Helper()

	// Apply options
	config := &rtuSimulatorConfig{
		slaveID:  1,
		baudRate: 19200,
	}
	for _, opt := range opts {
		opt(config)
	}

	// Create data store
	ds := slave.NewDataStore(config.config)

	// Create RTU server
	server, err := slave.NewRTUServer(ds, &slave.RTUServerConfig{
		SlaveID:  config.slaveID,
		BaudRate: config.baudRate,
	})
	if err != nil {
		t.Fatalf("failed to create RTU simulator: %v", err)
	}

	// Start the server
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start RTU simulator: %v", err)
	}

	devicePath = server.ClientDevicePath()
	t.Logf("RTU simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop RTU simulator: %v", err)
		}
		t.Logf("RTU simulator stopped")
	}

	return cleanup, devicePath
}

// ASCIISimulatorOption configures an ASCII slave.
type ASCIISimulatorOption func(*asciiSimulatorConfig)

type asciiSimulatorConfig struct {
	slaveID byte
	config  *slave.DataStoreConfig
}

// WithASCIISlaveID sets the slave ID for the slave.
func WithASCIISlaveID(id byte) ASCIISimulatorOption {
	return func(c *asciiSimulatorConfig) {
		c.slaveID = id
	}
}

// WithASCIIDataStoreConfig sets initial data values for the slave.
func WithASCIIDataStoreConfig(config *slave.DataStoreConfig) ASCIISimulatorOption {
	return func(c *asciiSimulatorConfig) {
		c.config = config
	}
}

// StartASCIISimulator creates and starts an ASCII Modbus simulator for
// testing, mirroring StartRTUSimulator.
func StartASCIISimulator(t *testing.T, opts ...ASCIISimulatorOption) (cleanup func(), devicePath string) {
	t.Helper()

	config := &asciiSimulatorConfig{slaveID: 1}
	for _, opt := range opts {
		opt(config)
	}

	ds := slave.NewDataStore(config.config)

	server, err := slave.NewASCIIServer(ds, &slave.ASCIIServerConfig{
		SlaveID: config.slaveID,
	})
	if err != nil {
		t.Fatalf("failed to create ASCII simulator: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start ASCII simulator: %v", err)
	}

	devicePath = server.ClientDevicePath()
	t.Logf("ASCII simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop ASCII simulator: %v", err)
		}
		t.Logf("ASCII simulator stopped")
	}

	return cleanup, devicePath
}

// TCPSimulatorOption configures a TCP slave.
type TCPSimulatorOption func(*tcpSimulatorConfig)

type tcpSimulatorConfig struct {
	slaveID byte
	config  *slave.DataStoreConfig
}

// WithTCPDataStoreConfig sets initial data values for the slave.
func WithTCPDataStoreConfig(config *slave.DataStoreConfig) TCPSimulatorOption {
	return func(c *tcpSimulatorConfig) {
		c.config = config
	}
}

// WithTCPSlaveID sets the unit id the slave answers to.
func WithTCPSlaveID(id byte) TCPSimulatorOption {
	return func(c *tcpSimulatorConfig) {
		c.slaveID = id
	}
}

// StartTCPSimulator creates and starts a TCP Modbus simulator bound to an
// ephemeral localhost port, returning a cleanup function and the address
// clients should dial.
func StartTCPSimulator(t *testing.T, opts ...TCPSimulatorOption) (cleanup func(), address string) {
	t.Helper()

	config := &tcpSimulatorConfig{slaveID: 1}
	for _, opt := range opts {
		opt(config)
	}

	ds := slave.NewDataStore(config.config)

	server, err := slave.NewTCPServer(ds, &slave.TCPServerConfig{
		Address: "localhost:0",
		SlaveID: config.slaveID,
	})
	if err != nil {
		t.Fatalf("failed to create TCP simulator: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start TCP simulator: %v", err)
	}

	address = server.Address()
	t.Logf("TCP simulator started on %s", address)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop TCP simulator: %v", err)
		}
		t.Logf("TCP simulator stopped")
	}

	return cleanup, address
}

// UDPSimulatorOption configures a UDP slave.
type UDPSimulatorOption func(*udpSimulatorConfig)

type udpSimulatorConfig struct {
	slaveID byte
	config  *slave.DataStoreConfig
}

// WithUDPDataStoreConfig sets initial data values for the slave.
func WithUDPDataStoreConfig(config *slave.DataStoreConfig) UDPSimulatorOption {
	return func(c *udpSimulatorConfig) {
		c.config = config
	}
}

// WithUDPSlaveID sets the unit id the slave answers to.
func WithUDPSlaveID(id byte) UDPSimulatorOption {
	return func(c *udpSimulatorConfig) {
		c.slaveID = id
	}
}

// StartUDPSimulator creates and starts a UDP Modbus simulator bound to an
// ephemeral localhost port, mirroring StartTCPSimulator.
func StartUDPSimulator(t *testing.T, opts ...UDPSimulatorOption) (cleanup func(), address string) {
	t.Helper()

	config := &udpSimulatorConfig{slaveID: 1}
	for _, opt := range opts {
		opt(config)
	}

	ds := slave.NewDataStore(config.config)

	server, err := slave.NewUDPServer(ds, &slave.UDPServerConfig{
		Address: "localhost:0",
		SlaveID: config.slaveID,
	})
	if err != nil {
		t.Fatalf("failed to create UDP simulator: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start UDP simulator: %v", err)
	}

	address = server.Address()
	t.Logf("UDP simulator started on %s", address)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop UDP simulator: %v", err)
		}
		t.Logf("UDP simulator stopped")
	}

	return cleanup, address
}
