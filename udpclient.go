// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const (
	// Default UDP timeout is not set
	udpTimeout     = 10 * time.Second
	udpIdleTimeout = 60 * time.Second
)

// UDPClientHandler implements Packager and Transporter interface for a
// connectionless MBAP/UDP slave. Framing is identical to
// TCP's MBAP header; the only difference is that each PDU travels in its
// own datagram instead of a length-delimited stream.
type UDPClientHandler struct {
	mbapPackager
	udpTransporter
}

// NewUDPClientHandler allocates a new UDPClientHandler.
func NewUDPClientHandler(address string) *UDPClientHandler {
	h := &UDPClientHandler{}
	h.Address = address
	h.Timeout = udpTimeout
	h.IdleTimeout = udpIdleTimeout
	h.StaleResponseThreshold = defaultRetryOnOldResponseThreshold
	return h
}

// UDPClient creates a UDP client with default handler and given connect string.
func UDPClient(address string) Client {
	handler := NewUDPClientHandler(address)
	return NewClient(handler)
}

// udpTransporter implements Transporter interface over a connected UDP
// socket: one PDU per datagram, no length prefix beyond the MBAP header's
// own (informational, unused on receive) length field.
type udpTransporter struct {
	Address     string
	Timeout     time.Duration
	IdleTimeout time.Duration
	Logger      *log.Logger

	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

// Send writes one datagram and reads the reply datagram.
func (mb *udpTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err = ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled before send: %w", err)
	}
	if err = mb.connectContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	if err = mb.setDeadline(ctx); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	mb.logf("modbus: sending % x", aduRequest)
	if _, err = mb.conn.Write(aduRequest); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	return mb.readDatagram()
}

// Receive reads the next pending datagram without sending a new request, for
// re-reading a response classified as a stale straggler.
func (mb *udpTransporter) Receive(ctx context.Context) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return nil, fmt.Errorf("%w: no connection to re-read from", ErrProtocolError)
	}
	if err = mb.setDeadline(ctx); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	return mb.readDatagram()
}

// ReadWithTimeout reads the next datagram with a per-call read deadline,
// satisfying ByteStream. timeout == NoTimeout blocks indefinitely.
func (mb *udpTransporter) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
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

// WriteWithTimeout writes a datagram with a per-call write deadline,
// satisfying ByteStream.
func (mb *udpTransporter) WriteWithTimeout(buf []byte, timeout time.Duration) (int, error) {
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

// Discard is a documented no-op: UDP datagrams self-frame, so there is no
// partial buffered frame to drop between retries.
func (mb *udpTransporter) Discard() error {
	return nil
}

func (mb *udpTransporter) setDeadline(ctx context.Context) error {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if mb.Timeout > 0 {
		deadline = time.Now().Add(mb.Timeout)
	}
	return mb.conn.SetDeadline(deadline)
}

func (mb *udpTransporter) readDatagram() (aduResponse []byte, err error) {
	var data [mbapMaxLength]byte
	n, err := mb.conn.Read(data[:])
	if err != nil {
		return nil, fmt.Errorf("reading response datagram: %w", err)
	}
	if n < mbapHeaderSize {
		return nil, fmt.Errorf("%w: response datagram size '%v' below header size '%v'", ErrShortFrame, n, mbapHeaderSize)
	}
	aduResponse = append([]byte(nil), data[:n]...)
	mb.logf("modbus: received % x\n", aduResponse)
	return aduResponse, nil
}

// Connect establishes the UDP socket used for subsequent requests.
func (mb *udpTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

func (mb *udpTransporter) connect() error {
	return mb.connectContext(context.Background())
}

func (mb *udpTransporter) connectContext(ctx context.Context) error {
	if mb.conn == nil {
		dialer := net.Dialer{Timeout: mb.Timeout}
		conn, err := dialer.DialContext(ctx, "udp", mb.Address)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", mb.Address, err)
		}
		mb.conn = conn
	}
	return nil
}

func (mb *udpTransporter) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// Close closes the underlying socket.
func (mb *udpTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

func (mb *udpTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

func (mb *udpTransporter) closeIdle() {
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

func (mb *udpTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}
