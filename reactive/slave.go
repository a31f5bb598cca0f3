// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package reactive

import (
	"context"
	"sync"

	"github.com/ironloop/modbus/internal/slave"
)

// StartTCPServer starts a Modbus TCP slave backed by ds and ties its
// lifetime to ctx: cancelling ctx, or calling the returned cancel func,
// stops the server. Either one is safe to call more than once.
func StartTCPServer(ctx context.Context, ds *slave.DataStore, config *slave.TCPServerConfig) (cancel func(), err error) {
	server, err := slave.NewTCPServer(ds, config)
	if err != nil {
		return nil, err
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	return watchForStop(ctx, server.Stop), nil
}

// StartUDPServer starts a Modbus UDP slave backed by ds, with the same
// context-based lifecycle as StartTCPServer.
func StartUDPServer(ctx context.Context, ds *slave.DataStore, config *slave.UDPServerConfig) (cancel func(), err error) {
	server, err := slave.NewUDPServer(ds, config)
	if err != nil {
		return nil, err
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	return watchForStop(ctx, server.Stop), nil
}

// watchForStop runs stop once, either when ctx is cancelled or when the
// returned cancel func is called directly, whichever happens first.
func watchForStop(ctx context.Context, stop func() error) func() {
	done := make(chan struct{})
	stopOnce := make(chan struct{})
	var closeStopOnce sync.Once
	triggerStop := func() { closeStopOnce.Do(func() { close(stopOnce) }) }

	go func() {
		select {
		case <-ctx.Done():
		case <-stopOnce:
		}
		stop()
		close(done)
	}()

	return func() {
		triggerStop()
		<-done
	}
}
