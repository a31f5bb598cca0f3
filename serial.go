// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// Default timeout
	serialTimeout     = 5 * time.Second
	serialIdleTimeout = 60 * time.Second
)

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	Address     string
	BaudRate    int
	DataBits    int
	StopBits    StopBits
	Parity      Parity
	Timeout     time.Duration
	Logger      *log.Logger
	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         serial.Port
	lastActivity time.Time
	closeTimer   *time.Timer
}

// toSerialStopBits converts modbus StopBits to serial library StopBits.
func toSerialStopBits(sb StopBits) serial.StopBits {
	switch sb {
	case TwoStopBits:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// toSerialParity converts modbus Parity to serial library Parity.
func toSerialParity(p Parity) serial.Parity {
	switch p {
	case NoParity:
		return serial.NoParity
	case OddParity:
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}

func (mb *serialPort) Connect() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (mb *serialPort) connect() error {
	if mb.port == nil {
		mode := &serial.Mode{
			BaudRate: mb.BaudRate,
			DataBits: mb.DataBits,
			StopBits: toSerialStopBits(mb.StopBits),
			Parity:   toSerialParity(mb.Parity),
		}
		port, err := serial.Open(mb.Address, mode)
		if err != nil {
			return err
		}
		if mb.Timeout > 0 {
			err = port.SetReadTimeout(mb.Timeout)
			if err != nil {
				port.Close()
				return err
			}
		}
		mb.port = port
	}
	return nil
}

func (mb *serialPort) Close() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (mb *serialPort) close() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

// Discard drops any bytes buffered in the driver's input queue, so a retried
// request doesn't read a stale straggler left over from the prior attempt.
func (mb *serialPort) Discard() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.port == nil {
		return nil
	}
	return mb.port.ResetInputBuffer()
}

// ReadWithTimeout reads into buf using a per-call read timeout, satisfying
// ByteStream. timeout == NoTimeout blocks using the port's configured
// default (set at connect time).
func (mb *serialPort) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.port == nil {
		return 0, fmt.Errorf("serial port not connected")
	}
	if timeout != NoTimeout {
		if err := mb.port.SetReadTimeout(timeout); err != nil {
			return 0, err
		}
		defer mb.port.SetReadTimeout(mb.Timeout)
	}
	return mb.port.Read(buf)
}

// WriteWithTimeout writes buf, satisfying ByteStream. go.bug.st/serial has
// no per-write deadline, so timeout is accepted for interface conformance
// and otherwise ignored.
func (mb *serialPort) WriteWithTimeout(buf []byte, _ time.Duration) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.port == nil {
		return 0, fmt.Errorf("serial port not connected")
	}
	return mb.port.Write(buf)
}

func (mb *serialPort) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

func (mb *serialPort) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *serialPort) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}
	idle := time.Since(mb.lastActivity)
	if idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.close()
	}
}
