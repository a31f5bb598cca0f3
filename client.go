// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// rereader is implemented by transports that can re-read a pending response
// without reissuing the request (IP transports only). The master engine
// uses it when a response's transaction id looks like a stale straggler
// rather than a genuine protocol violation.
type rereader interface {
	Receive(ctx context.Context) (aduResponse []byte, err error)
}

// discarder is implemented by transports that buffer unread bytes between
// transactions (serial RTU/ASCII). The master engine discards this buffer
// before a retry to avoid resynchronizing mid-frame.
type discarder interface {
	Discard() error
}

const (
	defaultRetries                 = 3
	defaultWaitToRetryMilliseconds = 100
	// defaultRetryOnOldResponseThreshold: a response trailing the current
	// transaction id by fewer than this many ids is treated as a stale straggler
	// and re-read rather than failing the transaction outright.
	defaultRetryOnOldResponseThreshold = 10
)

type client struct {
	packager    Packager
	transporter Transporter

	retries                 int
	waitToRetryMilliseconds int
}

// NewClient creates a new modbus client with given backend handler, using
// the default retry policy (3 retries, 100ms between attempts).
func NewClient(handler ClientHandler) Client {
	return &client{
		packager:                handler,
		transporter:             handler,
		retries:                 defaultRetries,
		waitToRetryMilliseconds: defaultWaitToRetryMilliseconds,
	}
}

// NewClientWithPackagerTransporter creates a new modbus client with separate packager and transporter.
// This is useful for advanced use cases where you want to use different implementations
// for the packager and transporter, such as in testing scenarios.
func NewClientWithPackagerTransporter(packager Packager, transporter Transporter) Client {
	return &client{
		packager:                packager,
		transporter:             transporter,
		retries:                 defaultRetries,
		waitToRetryMilliseconds: defaultWaitToRetryMilliseconds,
	}
}

// SetRetries overrides the retry policy: the number of additional attempts
// after the first failure, and the pause between them.
func (mb *client) SetRetries(retries, waitToRetryMilliseconds int) {
	mb.retries = retries
	mb.waitToRetryMilliseconds = waitToRetryMilliseconds
}

// Request:
//
//	Function code         : 1 byte (0x01)
//	Starting address      : 2 bytes
//	Quantity of coils     : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x01)
//	Byte count            : 1 byte
//	Coil status           : N* bytes (=N or N+1)
func (mb *client) ReadCoils(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > maxCoilsPerRead {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, maxCoilsPerRead)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadCoils,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("reading coils: %w", err)
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x02)
//	Starting address      : 2 bytes
//	Quantity of inputs    : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x02)
//	Byte count            : 1 byte
//	Input status          : N* bytes (=N or N+1)
func (mb *client) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > maxCoilsPerRead {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, maxCoilsPerRead)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadDiscreteInputs,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("reading discrete inputs: %w", err)
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x03)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x03)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func (mb *client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > maxRegistersPerRead {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, maxRegistersPerRead)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("reading holding registers: %w", err)
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x04)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x04)
//	Byte count            : 1 byte
//	Input registers       : N bytes
func (mb *client) ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error) {
	if quantity < 1 || quantity > maxRegistersPerRead {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, maxRegistersPerRead)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadInputRegisters,
		Data:         dataBlock(address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("reading input registers: %w", err)
	}
	count := int(response.Data[0])
	length := len(response.Data) - 1
	if count != length {
		return nil, fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, length, count)
	}
	return response.Data[1:], nil
}

// Request:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x05)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func (mb *client) WriteSingleCoil(ctx context.Context, address, value uint16) (results []byte, err error) {
	// The requested ON/OFF state can only be 0xFF00 and 0x0000
	if value != 0xFF00 && value != 0x0000 {
		return nil, fmt.Errorf("%w: state '%v' must be either 0xFF00 (ON) or 0x0000 (OFF)", ErrInvalidData, value)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeWriteSingleCoil,
		Data:         dataBlock(address, value),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("writing single coil: %w", err)
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respValue, address)
	}
	results = response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if value != respValue {
		return nil, fmt.Errorf("%w: response value '%v' does not match request '%v'", ErrInvalidResponse, respValue, value)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
//
// Response:
//
//	Function code         : 1 byte (0x06)
//	Register address      : 2 bytes
//	Register value        : 2 bytes
func (mb *client) WriteSingleRegister(ctx context.Context, address, value uint16) (results []byte, err error) {
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         dataBlock(address, value),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("writing single register: %w", err)
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respValue, address)
	}
	results = response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if value != respValue {
		return nil, fmt.Errorf("%w: response value '%v' does not match request '%v'", ErrInvalidResponse, respValue, value)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
func (mb *client) WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error) {
	if quantity < 1 || quantity > maxCoilsPerWrite {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, maxCoilsPerWrite)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeWriteMultipleCoils,
		Data:         dataBlockSuffix(value, address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("writing multiple coils: %w", err)
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respValue, address)
	}
	results = response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if quantity != respValue {
		return nil, fmt.Errorf("%w: response quantity '%v' does not match request '%v'", ErrInvalidResponse, respValue, quantity)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of registers : 2 bytes
func (mb *client) WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error) {
	if quantity < 1 || quantity > maxRegistersPerWrite {
		return nil, fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, quantity, 1, maxRegistersPerWrite)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         dataBlockSuffix(value, address, quantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("writing multiple registers: %w", err)
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return nil, fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if address != respValue {
		return nil, fmt.Errorf("%w: response address '%v' does not match request '%v'", ErrInvalidResponse, respValue, address)
	}
	results = response.Data[2:]
	respValue = binary.BigEndian.Uint16(results)
	if quantity != respValue {
		return nil, fmt.Errorf("%w: response quantity '%v' does not match request '%v'", ErrInvalidResponse, respValue, quantity)
	}
	return results, nil
}

// Request:
//
//	Function code         : 1 byte (0x17)
//	Read starting address : 2 bytes
//	Quantity to read      : 2 bytes
//	Write starting address: 2 bytes
//	Quantity to write     : 2 bytes
//	Write byte count      : 1 byte
//	Write registers value : N* bytes
//
// Response:
//
//	Function code         : 1 byte (0x17)
//	Byte count            : 1 byte
//	Read registers value  : Nx2 bytes
func (mb *client) ReadWriteMultipleRegisters(ctx context.Context, readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) (results []byte, err error) {
	if readQuantity < 1 || readQuantity > maxRegistersPerRead {
		return nil, fmt.Errorf("%w: read quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, readQuantity, 1, maxRegistersPerRead)
	}
	if writeQuantity < 1 || writeQuantity > maxRWWriteRegisters {
		return nil, fmt.Errorf("%w: write quantity '%v' must be between '%v' and '%v'", ErrInvalidQuantity, writeQuantity, 1, maxRWWriteRegisters)
	}
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Data:         dataBlockSuffix(value, readAddress, readQuantity, writeAddress, writeQuantity),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return nil, fmt.Errorf("reading/writing multiple registers: %w", err)
	}
	count := int(response.Data[0])
	if count != (len(response.Data) - 1) {
		return nil, fmt.Errorf("%w: response data size '%v' does not match count '%v'", ErrInvalidResponse, len(response.Data)-1, count)
	}
	return response.Data[1:], nil
}

// Diagnostics issues function code 8 with the given sub-function and data
// word, returning the echoed data word from the response.
func (mb *client) Diagnostics(ctx context.Context, subFunction, data uint16) (uint16, error) {
	request := ProtocolDataUnit{
		FunctionCode: FuncCodeDiagnostics,
		Data:         dataBlock(subFunction, data),
	}
	response, err := mb.send(ctx, &request)
	if err != nil {
		return 0, fmt.Errorf("diagnostics: %w", err)
	}
	if len(response.Data) != 4 {
		return 0, fmt.Errorf("%w: response data size '%v' does not match expected '%v'", ErrInvalidResponse, len(response.Data), 4)
	}
	respSub := binary.BigEndian.Uint16(response.Data)
	if respSub != subFunction {
		return 0, fmt.Errorf("%w: response sub-function '%v' does not match request '%v'", ErrInvalidResponse, respSub, subFunction)
	}
	return binary.BigEndian.Uint16(response.Data[2:]), nil
}

// ReturnQueryData implements diagnostics sub-function 0: success is a
// byte-exact echo of data.
func (mb *client) ReturnQueryData(ctx context.Context, data uint16) (bool, error) {
	echo, err := mb.Diagnostics(ctx, SubFuncReturnQueryData, data)
	if err != nil {
		return false, err
	}
	return echo == data, nil
}

// Helpers

// send performs one logical transaction end to end, retrying per the
// client's policy on I/O errors and non-fatal framing errors. A response
// classified as stale (ErrStaleResponse, IP transports only) is handled by
// re-reading the socket rather than resending the write.
func (mb *client) send(ctx context.Context, request *ProtocolDataUnit) (response *ProtocolDataUnit, err error) {
	aduRequest, err := mb.packager.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("encoding PDU: %w", err)
	}

	var aduResponse []byte
	for attempt := 0; ; attempt++ {
		aduResponse, err = mb.transporter.Send(ctx, aduRequest)
		if err == nil {
			err = mb.packager.Verify(aduRequest, aduResponse)
		}
		if errors.Is(err, ErrStaleResponse) {
			aduResponse, err = mb.retryStaleRead(ctx, aduRequest)
		}
		if err == nil {
			break
		}
		if attempt >= mb.retries {
			return nil, fmt.Errorf("verifying response: %w", err)
		}
		if d, ok := mb.transporter.(discarder); ok {
			_ = d.Discard()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(mb.waitToRetryMilliseconds) * time.Millisecond):
		}
	}

	response, err = mb.packager.Decode(aduResponse)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	// Check correct function code returned (exception)
	if response.FunctionCode != request.FunctionCode {
		return nil, responseError(response)
	}
	if len(response.Data) == 0 {
		// Empty response
		return nil, fmt.Errorf("%w: response data is empty", ErrInvalidResponse)
	}
	return response, nil
}

// retryStaleRead re-reads a pending response on the same connection without
// reissuing the request. Transports that can't re-read (serial) report the
// stale classification itself as an error, which the outer loop treats like
// any other retryable failure.
func (mb *client) retryStaleRead(ctx context.Context, aduRequest []byte) ([]byte, error) {
	rr, ok := mb.transporter.(rereader)
	if !ok {
		return nil, ErrStaleResponse
	}
	const maxStaleReads = 3
	var err error
	var aduResponse []byte
	for i := 0; i < maxStaleReads; i++ {
		aduResponse, err = rr.Receive(ctx)
		if err != nil {
			return nil, err
		}
		err = mb.packager.Verify(aduRequest, aduResponse)
		if !errors.Is(err, ErrStaleResponse) {
			return aduResponse, err
		}
	}
	return aduResponse, err
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &ModbusError{FunctionCode: response.FunctionCode}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = response.Data[0]
	}
	return mbError
}
