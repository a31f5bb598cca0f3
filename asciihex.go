// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/hex"
	"fmt"
)

// hexTable is used instead of encoding/hex's lowercase default: Modbus ASCII
// framing is upper-case hex on the wire.
const hexTable = "0123456789ABCDEF"

// writeHexByte appends the two upper-case hex characters for b to dst.
func writeHexByte(dst []byte, b byte) {
	dst[0] = hexTable[b>>4]
	dst[1] = hexTable[b&0x0F]
}

// asciiBytes renders a sequence of 16-bit words as upper-case hex ASCII,
// big-endian per word, e.g. asciiBytes({300, 400}) == "012C0190".
func asciiBytes(words []uint16) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		writeHexByte(out[i*4:], byte(w>>8))
		writeHexByte(out[i*4+2:], byte(w))
	}
	return out
}

// hexToBytes decodes an upper- or lower-case hex ASCII string to raw bytes.
// It rejects odd-length input.
func hexToBytes(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: hex string length '%v' is not even", ErrProtocolError, len(data))
	}
	out := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(out, data); err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	return out, nil
}

// readHex decodes exactly one hex-encoded byte (2 ASCII chars) at data[0:2].
func readHex(data []byte) (byte, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: hex byte truncated", ErrShortFrame)
	}
	var dst [1]byte
	if _, err := hex.Decode(dst[:], data[0:2]); err != nil {
		return 0, fmt.Errorf("decoding hex byte: %w", err)
	}
	return dst[0], nil
}
