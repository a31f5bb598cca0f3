// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

const (
	mbapProtocolIdentifier uint16 = 0x0000
	mbapHeaderSize                = 7
	mbapMaxLength                 = 260
)

// ErrStaleResponse marks a response whose transaction id trails the
// request's by less than StaleResponseThreshold: a straggler from an
// earlier transaction, not a protocol violation. The master engine retries
// the read without reissuing the write.
var ErrStaleResponse = fmt.Errorf("%w: stale transaction id", ErrProtocolError)

// mbapPackager implements the MBAP framing shared by the TCP and UDP
// client handlers: tx-id(2) proto-id(2)=0 length(2) unit(1) pdu.
type mbapPackager struct {
	transactionID uint32
	// SlaveID addresses a unit behind a gateway; 0 broadcasts.
	SlaveID byte
	// StaleResponseThreshold bounds how far behind the current transaction
	// id a response may trail and still be treated as a stale straggler
	// rather than a protocol violation. Zero disables stale detection.
	StaleResponseThreshold uint16
}

// Encode adds the MBAP header, allocating a fresh, monotonically
// increasing transaction id that wraps from 65535 back to 1 (never 0),
//.
func (mb *mbapPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	adu = make([]byte, mbapHeaderSize+1+len(pdu.Data))

	txID := mb.nextTransactionID()
	binary.BigEndian.PutUint16(adu, txID)
	binary.BigEndian.PutUint16(adu[2:], mbapProtocolIdentifier)
	length := uint16(1 + 1 + len(pdu.Data))
	binary.BigEndian.PutUint16(adu[4:], length)
	adu[6] = mb.SlaveID

	adu[mbapHeaderSize] = pdu.FunctionCode
	copy(adu[mbapHeaderSize+1:], pdu.Data)
	return adu, nil
}

// nextTransactionID allocates ids from 1..65535, skipping 0 on wraparound.
func (mb *mbapPackager) nextTransactionID() uint16 {
	id := uint16(atomic.AddUint32(&mb.transactionID, 1))
	if id == 0 {
		id = uint16(atomic.AddUint32(&mb.transactionID, 1))
	}
	return id
}

// Verify confirms protocol and unit id, and classifies transaction id
// mismatches as stale (retryable by re-reading) or a hard protocol error.
func (mb *mbapPackager) Verify(aduRequest, aduResponse []byte) (err error) {
	if len(aduResponse) < mbapHeaderSize {
		return fmt.Errorf("%w: response length '%v' below header size '%v'", ErrShortFrame, len(aduResponse), mbapHeaderSize)
	}
	reqTxID := binary.BigEndian.Uint16(aduRequest)
	respTxID := binary.BigEndian.Uint16(aduResponse)
	if respTxID != reqTxID {
		if isStaleTransaction(reqTxID, respTxID, mb.StaleResponseThreshold) {
			return ErrStaleResponse
		}
		return fmt.Errorf("%w: response transaction id '%v' does not match request '%v'", ErrProtocolError, respTxID, reqTxID)
	}
	respProto := binary.BigEndian.Uint16(aduResponse[2:])
	reqProto := binary.BigEndian.Uint16(aduRequest[2:])
	if respProto != reqProto {
		return fmt.Errorf("%w: response protocol id '%v' does not match request '%v'", ErrProtocolError, respProto, reqProto)
	}
	if aduResponse[6] != aduRequest[6] {
		return fmt.Errorf("%w: response unit id '%v' does not match request '%v'", ErrProtocolError, aduResponse[6], aduRequest[6])
	}
	return nil
}

// isStaleTransaction reports whether respID is a trailing straggler:
// smaller than reqID (accounting for 16-bit wraparound) by less than
// threshold transaction ids.
func isStaleTransaction(reqID, respID, threshold uint16) bool {
	if respID == reqID {
		return false
	}
	distance := reqID - respID // wraps correctly for uint16
	return distance > 0 && distance < threshold
}

// Decode extracts the PDU from an MBAP frame.
func (mb *mbapPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	length := binary.BigEndian.Uint16(adu[4:])
	pduLength := len(adu) - mbapHeaderSize
	if pduLength <= 0 || pduLength != int(length-1) {
		return nil, fmt.Errorf("%w: length in header '%v' does not match pdu data length '%v'", ErrProtocolError, length-1, pduLength)
	}
	pdu = &ProtocolDataUnit{}
	pdu.FunctionCode = adu[mbapHeaderSize]
	pdu.Data = adu[mbapHeaderSize+1:]
	return pdu, nil
}
