// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshstore/meshstore/internal/transport"
)

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) Purge() int {
	p.calls.Add(1)
	return 0
}

type noPeers struct{}

func (noPeers) PeerAddrs() []*net.UDPAddr { return nil }

func TestSupervisorRunsPurgerOnInterval(t *testing.T) {
	purger := &countingPurger{}
	sup := New("test", nil, nil, purger, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	<-ctx.Done()
	<-done

	if purger.calls.Load() < 2 {
		t.Fatalf("expected purge to run at least twice, ran %d times", purger.calls.Load())
	}
}

func TestSupervisorStopsTransportOnShutdown(t *testing.T) {
	tr, err := transport.New("node", "127.0.0.1:0", noPeers{})
	if err != nil {
		t.Fatal(err)
	}

	sup := New("test", tr, nil, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sup.Serve(ctx); err != nil {
		t.Fatal(err)
	}
}
