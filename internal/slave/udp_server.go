// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slave

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ironloop/modbus"
)

// UDPServer implements a Modbus server over UDP using the same MBAP framing
// as the TCP server, one packet per request/response.
type UDPServer struct {
	handler  *Handler
	conn     net.PacketConn
	address  string
	slaveID  byte
	logger   *log.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup

	peers sync.Map // net.Addr.String() -> lastSeen time.Time
}

// UDPServerConfig holds configuration for the UDP server.
type UDPServerConfig struct {
	Address string // e.g., "localhost:5020" or ":502"
	SlaveID byte   // unit id this server answers to; 0 is broadcast, matched regardless
	Logger  *log.Logger
}

// NewUDPServer creates a new UDP server with the given data store and configuration.
func NewUDPServer(ds *DataStore, config *UDPServerConfig) (*UDPServer, error) {
	if config == nil {
		config = &UDPServerConfig{}
	}
	if config.Address == "" {
		config.Address = "localhost:5020"
	}
	if config.SlaveID == 0 {
		config.SlaveID = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "udp-server: ", log.LstdFlags)
	}

	return &UDPServer{
		handler:  NewHandler(ds),
		address:  config.Address,
		slaveID:  config.SlaveID,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Address returns the address the server is listening on.
func (s *UDPServer) Address() string {
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.address
}

// Peers returns the remote addresses the server has received a datagram
// from, as a snapshot taken at call time.
func (s *UDPServer) Peers() []string {
	var peers []string
	s.peers.Range(func(key, _ any) bool {
		peers = append(peers, key.(string))
		return true
	})
	return peers
}

// Start starts the UDP server and begins serving datagrams.
func (s *UDPServer) Start() error {
	conn, err := net.ListenPacket("udp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.conn = conn
	s.logger.Printf("UDP server listening on %s", s.conn.LocalAddr())

	s.wg.Add(1)
	go s.serveLoop()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the UDP server and waits for its serve loop to exit.
func (s *UDPServer) Stop() error {
	close(s.stopChan)

	if s.conn != nil {
		s.conn.Close()
	}

	s.wg.Wait()
	s.logger.Printf("UDP server stopped")
	return nil
}

// serveLoop reads datagrams one at a time and dispatches each to the handler.
// Unlike the TCP server there is no per-peer connection: every datagram is
// independent, so the handler runs inline rather than on its own goroutine.
func (s *UDPServer) serveLoop() {
	defer s.wg.Done()

	buf := make([]byte, tcpMaxLength+tcpHeaderSize)
	for {
		if udpConn, ok := s.conn.(*net.UDPConn); ok {
			if err := udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
				s.logger.Printf("warning: failed to set read deadline: %v", err)
			}
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				s.logger.Printf("error reading datagram: %v", err)
				continue
			}
		}

		s.peers.Store(addr.String(), time.Now())
		s.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (s *UDPServer) handleDatagram(addr net.Addr, packet []byte) {
	if len(packet) < int(tcpHeaderSize)+1 {
		s.logger.Printf("short datagram from %s: %d bytes", addr, len(packet))
		return
	}

	header := packet[:tcpHeaderSize]
	pduData := packet[tcpHeaderSize:]

	transactionID := binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint16(header[4:6])
	unitID := header[6]

	if protocolID != tcpProtocolIdentifier {
		s.logger.Printf("invalid protocol ID from %s: %d", addr, protocolID)
		return
	}
	if int(length)-1 != len(pduData) {
		s.logger.Printf("length mismatch from %s: header says %d, got %d bytes of PDU", addr, length, len(pduData))
		return
	}

	// Check unit id: 0 is broadcast, accepted by every listener.
	if unitID != s.slaveID && unitID != 0 {
		return
	}

	pdu := &modbus.ProtocolDataUnit{
		FunctionCode: pduData[0],
		Data:         pduData[1:],
	}

	responsePDU := s.handler.HandleRequest(pdu)
	if responsePDU == nil {
		// Delay configuration simulated a timeout: send nothing back.
		return
	}

	responseLength := uint16(1 + 1 + len(responsePDU.Data))
	response := make([]byte, tcpHeaderSize+2+len(responsePDU.Data))
	binary.BigEndian.PutUint16(response[0:2], transactionID)
	binary.BigEndian.PutUint16(response[2:4], protocolID)
	binary.BigEndian.PutUint16(response[4:6], responseLength)
	response[6] = unitID
	response[7] = responsePDU.FunctionCode
	copy(response[8:], responsePDU.Data)

	if _, err := s.conn.WriteTo(response, addr); err != nil {
		s.logger.Printf("error writing response to %s: %v", addr, err)
	}
}
