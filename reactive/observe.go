// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package reactive

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/ironloop/modbus/internal/slave"
)

// fingerprint hashes a snapshot so the Observe* loops can cheaply tell
// whether a bank has actually changed since the last poll, instead of
// diffing the slice itself.
func fingerprintBools(values []bool) uint64 {
	h := fnv.New64a()
	buf := make([]byte, len(values))
	for i, v := range values {
		if v {
			buf[i] = 1
		}
	}
	h.Write(buf)
	return h.Sum64()
}

func fingerprintRegisters(values []uint16) uint64 {
	h := fnv.New64a()
	buf := make([]byte, len(values)*2)
	for i, v := range values {
		buf[i*2] = byte(v >> 8)
		buf[i*2+1] = byte(v)
	}
	h.Write(buf)
	return h.Sum64()
}

// ObserveCoils polls ds every interval and emits a snapshot only when the
// coil range has changed since the last emission (distinct-until-changed).
// The channel closes when ctx is cancelled.
func ObserveCoils(ctx context.Context, ds *slave.DataStore, address, quantity uint16, interval time.Duration) <-chan Event[[]bool] {
	out := make(chan Event[[]bool], 1)
	go func() {
		defer close(out)
		var last uint64
		first := true
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			values, err := ds.ReadCoils(address, quantity)
			if err != nil {
				select {
				case out <- Event[[]bool]{Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			fp := fingerprintBools(values)
			if !first && fp == last {
				continue
			}
			first, last = false, fp
			select {
			case out <- Event[[]bool]{Value: values}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ObserveDiscreteInputs mirrors ObserveCoils for the discrete-input bank.
func ObserveDiscreteInputs(ctx context.Context, ds *slave.DataStore, address, quantity uint16, interval time.Duration) <-chan Event[[]bool] {
	out := make(chan Event[[]bool], 1)
	go func() {
		defer close(out)
		var last uint64
		first := true
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			values, err := ds.ReadDiscreteInputs(address, quantity)
			if err != nil {
				select {
				case out <- Event[[]bool]{Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			fp := fingerprintBools(values)
			if !first && fp == last {
				continue
			}
			first, last = false, fp
			select {
			case out <- Event[[]bool]{Value: values}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ObserveHoldingRegisters polls ds every interval and emits a snapshot only
// when the holding-register range has changed since the last emission.
func ObserveHoldingRegisters(ctx context.Context, ds *slave.DataStore, address, quantity uint16, interval time.Duration) <-chan Event[[]uint16] {
	out := make(chan Event[[]uint16], 1)
	go func() {
		defer close(out)
		var last uint64
		first := true
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			values, err := ds.ReadHoldingRegisters(address, quantity)
			if err != nil {
				select {
				case out <- Event[[]uint16]{Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			fp := fingerprintRegisters(values)
			if !first && fp == last {
				continue
			}
			first, last = false, fp
			select {
			case out <- Event[[]uint16]{Value: values}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ObserveInputRegisters mirrors ObserveHoldingRegisters for the read-only
// input-register bank.
func ObserveInputRegisters(ctx context.Context, ds *slave.DataStore, address, quantity uint16, interval time.Duration) <-chan Event[[]uint16] {
	out := make(chan Event[[]uint16], 1)
	go func() {
		defer close(out)
		var last uint64
		first := true
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			values, err := ds.ReadInputRegisters(address, quantity)
			if err != nil {
				select {
				case out <- Event[[]uint16]{Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			fp := fingerprintRegisters(values)
			if !first && fp == last {
				continue
			}
			first, last = false, fp
			select {
			case out <- Event[[]uint16]{Value: values}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
