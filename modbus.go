// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbus implements the Modbus protocol as both client (master) and
// the building blocks for a server (slave), over RTU/ASCII serial and MBAP
// TCP/UDP transports.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Function codes defined in the Modbus protocol spec, as supported by
// this implementation.
const (
	FuncCodeReadCoils                  = 1
	FuncCodeReadDiscreteInputs         = 2
	FuncCodeReadHoldingRegisters       = 3
	FuncCodeReadInputRegisters         = 4
	FuncCodeWriteSingleCoil            = 5
	FuncCodeWriteSingleRegister        = 6
	FuncCodeDiagnostics                = 8
	FuncCodeWriteMultipleCoils         = 15
	FuncCodeWriteMultipleRegisters     = 16
	FuncCodeReadWriteMultipleRegisters = 23
)

// Diagnostic sub-function codes (FuncCodeDiagnostics).
const (
	SubFuncReturnQueryData = 0
)

// Exception codes, returned when the high bit of the function code is set.
const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeServerDeviceFailure                = 4
	ExceptionCodeAcknowledge                        = 5
	ExceptionCodeServerDeviceBusy                   = 6
	ExceptionCodeMemoryParityError                  = 8
	ExceptionCodeGatewayPathUnavailable              = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// Count limits enforced at the client API boundary.
const (
	maxCoilsPerRead      = 2000
	maxRegistersPerRead  = 125
	maxCoilsPerWrite     = 1968
	maxRegistersPerWrite = 123
	maxRWWriteRegisters  = 121
)

// Sentinel errors. Every operation wraps one of these with %w so callers
// can errors.Is/errors.As against a stable taxonomy.
var (
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")
	ErrInvalidData     = errors.New("modbus: invalid data")
	ErrInvalidResponse = errors.New("modbus: invalid response")
	ErrShortFrame      = errors.New("modbus: short frame")
	ErrProtocolError   = errors.New("modbus: protocol error")
	ErrIllegalAddress  = errors.New("modbus: illegal data address")
)

// ProtocolDataUnit is the transport-independent function code + payload.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// ModbusError represents a slave exception response: a well-formed frame
// carrying a Modbus exception code rather than a successful payload.
type ModbusError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: function code %d: %s", e.FunctionCode&0x7F, exceptionCodeName(e.ExceptionCode))
}

// exceptionCodeName renders an exception code the way a slave's diagnostic
// log would: a short, human-readable label rather than a bare number.
func exceptionCodeName(code byte) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case ExceptionCodeAcknowledge:
		return "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case ExceptionCodeMemoryParityError:
		return "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception code %d", code)
	}
}

// StopBits enumerates serial stop-bit configurations.
type StopBits int

const (
	OneStopBit StopBits = iota
	OnePointFiveStopBits
	TwoStopBits
)

// Parity enumerates serial parity configurations.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// Packager encodes/decodes ProtocolDataUnit to/from a transport-specific ADU
// and verifies a response ADU against the request that produced it.
type Packager interface {
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest []byte, aduResponse []byte) error
}

// Transporter sends a request ADU and returns the corresponding response ADU.
// Implementations serialize concurrent callers: at most one transaction is
// in flight on a given transport at a time.
type Transporter interface {
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// ByteStream is the minimal duplex byte-channel contract shared by the
// serial port and the TCP/UDP socket wrappers beneath each Transporter:
// reads and writes carry their own timeout rather than relying on a single
// connection-wide deadline, and buffered input can be dropped between
// retries without tearing the connection down.
type ByteStream interface {
	ReadWithTimeout(buf []byte, timeout time.Duration) (n int, err error)
	WriteWithTimeout(buf []byte, timeout time.Duration) (n int, err error)
	Discard() error
	Close() error
}

// NoTimeout is the "block indefinitely" sentinel for ByteStream operations.
const NoTimeout time.Duration = 0

// ClientHandler is a Packager/Transporter pair with explicit connection
// lifecycle management, the shape every concrete *ClientHandler type
// (TCP, UDP, RTU, ASCII) satisfies. It lets code that builds a client
// generically — the reactive supervisor, for instance — reconnect and
// tear down a handler without knowing its transport.
type ClientHandler interface {
	Packager
	Transporter
	Connect() error
	Close() error
}

// Client groups every operation the master engine exposes, one method per
// function code, plus the diagnostics sub-function.
type Client interface {
	ReadCoils(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	WriteSingleCoil(ctx context.Context, address, value uint16) ([]byte, error)
	WriteSingleRegister(ctx context.Context, address, value uint16) ([]byte, error)
	WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error)
	WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) ([]byte, error)
	ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error)
	Diagnostics(ctx context.Context, subFunction, data uint16) (uint16, error)
	ReturnQueryData(ctx context.Context, data uint16) (bool, error)
}
