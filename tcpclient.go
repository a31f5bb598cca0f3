// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

const (
	// Default TCP timeout is not set
	tcpTimeout     = 10 * time.Second
	tcpIdleTimeout = 60 * time.Second
)

// TCPClientHandler implements Packager and Transporter interface.
type TCPClientHandler struct {
	mbapPackager
	tcpTransporter
}

// NewTCPClientHandler allocates a new TCPClientHandler.
func NewTCPClientHandler(address string) *TCPClientHandler {
	h := &TCPClientHandler{}
	h.Address = address
	h.Timeout = tcpTimeout
	h.IdleTimeout = tcpIdleTimeout
	h.StaleResponseThreshold = defaultRetryOnOldResponseThreshold
	return h
}

// TCPClient creates TCP client with default handler and given connect string.
func TCPClient(address string) Client {
	handler := NewTCPClientHandler(address)
	return NewClient(handler)
}

// tcpTransporter implements Transporter interface.
type tcpTransporter struct {
	// Connect string
	Address string
	// Connect & Read timeout
	Timeout time.Duration
	// Idle timeout to close the connection
	IdleTimeout time.Duration
	// Transmission logger
	Logger *log.Logger

	// TCP connection
	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

// Send sends data to server and ensures response length is greater than header length.
func (mb *tcpTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Check context before starting
	if err = ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before send: %w", err)
	}

	// Establish a new connection if not connected
	if err = mb.connectContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	// Set timer to close when idle
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	if err = mb.setDeadline(ctx); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	// Send data
	mb.logf("modbus: sending % x", aduRequest)
	if _, err = mb.conn.Write(aduRequest); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	return mb.readFrame()
}

// Receive reads the next pending frame off the connection without writing a
// new request. Used by the master engine to re-read a response classified
// as a stale straggler.
func (mb *tcpTransporter) Receive(ctx context.Context) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return nil, fmt.Errorf("%w: no connection to re-read from", ErrProtocolError)
	}
	if err = mb.setDeadline(ctx); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	return mb.readFrame()
}

// ReadWithTimeout reads into buf with a per-call read deadline, satisfying
// ByteStream. timeout == NoTimeout blocks indefinitely.
func (mb *tcpTransporter) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if mb.conn == nil {
		return 0, fmt.Errorf("%w: not connected", ErrProtocolError)
	}
	var deadline time.Time
	if timeout != NoTimeout {
		deadline = time.Now().Add(timeout)
	}
	if err := mb.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return mb.conn.Read(buf)
}

// WriteWithTimeout writes buf with a per-call write deadline, satisfying
// ByteStream.
func (mb *tcpTransporter) WriteWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if mb.conn == nil {
		return 0, fmt.Errorf("%w: not connected", ErrProtocolError)
	}
	var deadline time.Time
	if timeout != NoTimeout {
		deadline = time.Now().Add(timeout)
	}
	if err := mb.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	return mb.conn.Write(buf)
}

// Discard drops a pending, unread frame left over from a prior transaction
// without tearing down the connection, satisfying ByteStream.
func (mb *tcpTransporter) Discard() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return nil
	}
	return mb.flush(make([]byte, mbapMaxLength))
}

func (mb *tcpTransporter) setDeadline(ctx context.Context) error {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if mb.Timeout > 0 {
		deadline = time.Now().Add(mb.Timeout)
	}
	return mb.conn.SetDeadline(deadline)
}

// readFrame reads one MBAP frame (header then body sized per the header's
// length field). Caller must hold mb.mu and have set a deadline.
func (mb *tcpTransporter) readFrame() (aduResponse []byte, err error) {
	var data [mbapMaxLength]byte
	if _, err = io.ReadFull(mb.conn, data[:mbapHeaderSize]); err != nil {
		return nil, fmt.Errorf("reading response header: %w", err)
	}
	// Read length, ignore transaction & protocol id (4 bytes)
	length := int(binary.BigEndian.Uint16(data[4:]))
	if length <= 0 {
		mb.flush(data[:])
		return nil, fmt.Errorf("%w: length in response header '%v' must not be zero", ErrProtocolError, length)
	}
	if length > (mbapMaxLength - (mbapHeaderSize - 1)) {
		mb.flush(data[:])
		return nil, fmt.Errorf("%w: length in response header '%v' must not greater than '%v'", ErrProtocolError, length, mbapMaxLength-mbapHeaderSize+1)
	}
	// Skip unit id
	length += mbapHeaderSize - 1
	if _, err = io.ReadFull(mb.conn, data[mbapHeaderSize:length]); err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	aduResponse = append([]byte(nil), data[:length]...)
	mb.logf("modbus: received % x\n", aduResponse)
	return aduResponse, nil
}

// Connect establishes a new connection to the address in Address.
// Connect and Close are exported so that multiple requests can be done with one session
func (mb *tcpTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

func (mb *tcpTransporter) connect() error {
	return mb.connectContext(context.Background())
}

func (mb *tcpTransporter) connectContext(ctx context.Context) error {
	if mb.conn == nil {
		dialer := net.Dialer{Timeout: mb.Timeout}
		conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", mb.Address, err)
		}
		mb.conn = conn
	}
	return nil
}

func (mb *tcpTransporter) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// Close closes current connection.
func (mb *tcpTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// flush flushes pending data in the connection,
// returns io.EOF if connection is closed.
func (mb *tcpTransporter) flush(b []byte) (err error) {
	if err = mb.conn.SetReadDeadline(time.Now()); err != nil {
		return
	}
	// Timeout setting will be reset when reading
	if _, err = mb.conn.Read(b); err != nil {
		// Ignore timeout error
		if netError, ok := err.(net.Error); ok && netError.Timeout() {
			err = nil
		}
	}
	return
}

func (mb *tcpTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// closeLocked closes current connection. Caller must hold the mutex before calling this method.
func (mb *tcpTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *tcpTransporter) closeIdle() {
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
