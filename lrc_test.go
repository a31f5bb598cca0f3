// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "testing"

func TestLRC(t *testing.T) {
	tests := []struct {
		data []byte
		want byte
	}{
		{[]byte{1, 1, 0, 1, 0, 10}, 0xF3},
	}

	for _, tt := range tests {
		var l lrc
		got := l.reset().pushBytes(tt.data).value()
		if got != tt.want {
			t.Errorf("lrc(% x) = %#02x, want %#02x", tt.data, got, tt.want)
		}
	}
}

func TestLRCPushByteMatchesPushBytes(t *testing.T) {
	var viaBytes lrc
	viaBytes.reset().pushBytes([]byte{1, 1, 0, 1, 0, 10})

	var viaByte lrc
	viaByte.reset()
	for _, b := range []byte{1, 1, 0, 1, 0, 10} {
		viaByte.pushByte(b)
	}

	if viaBytes.value() != viaByte.value() {
		t.Fatalf("pushByte/pushBytes disagree: %#02x vs %#02x", viaByte.value(), viaBytes.value())
	}
}

// A valid ASCII frame's LRC sums to zero including the LRC byte itself: this
// is how receivers verify a frame without separately recomputing it.
func TestLRCFrameIncludingChecksumSumsToZero(t *testing.T) {
	data := []byte{1, 1, 0, 1, 0, 10}
	var l lrc
	checksum := l.reset().pushBytes(data).value()

	var verify lrc
	verify.reset().pushBytes(data).pushByte(checksum)
	if verify.value() != 0 {
		t.Fatalf("frame + checksum LRC = %#02x, want 0x00", verify.value())
	}
}
