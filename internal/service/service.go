// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package service wires the long-running pieces of a meshstore node -
// the peer transport, the gateway's discovery/renewal loop, and the
// index's periodic purge - under one suture supervisor, so a panic or
// early return in one is restarted without taking the others down.
package service

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/meshstore/meshstore/internal/logutil"
	"github.com/meshstore/meshstore/internal/transport"
	"github.com/meshstore/meshstore/internal/upnp"
)

var (
	debug = logutil.EnvDebug("service")
	l     = logutil.DefaultLogger
)

// Purger is the subset of store.Store this package depends on for periodic
// cleanup, kept narrow so tests can substitute a fake.
type Purger interface {
	Purge() int
}

// Supervisor runs a Transport's lifetime, a Gateway's discovery/renewal
// loop, and a periodic index purge as suture-supervised services.
type Supervisor struct {
	sup *suture.Supervisor
}

// New builds a Supervisor. tr and gw may be nil (e.g. a gateway-less, LAN
// -only deployment); purger may be nil to skip periodic purging.
func New(name string, tr *transport.Transport, gw *upnp.Gateway, purger Purger, purgeInterval time.Duration) *Supervisor {
	sup := suture.NewSimple(name)

	if tr != nil {
		sup.Add(transportService{tr})
	}
	if gw != nil {
		sup.Add(gw)
	}
	if purger != nil {
		if purgeInterval <= 0 {
			purgeInterval = time.Hour
		}
		sup.Add(purgeService{purger: purger, interval: purgeInterval})
	}

	return &Supervisor{sup: sup}
}

// Serve runs every registered service until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.sup.Serve(ctx)
}

// transportService adapts Transport's already-running receive loop (started
// in transport.New) to the suture.Service contract: Serve blocks until ctx
// is cancelled, then closes the transport so the supervisor's shutdown
// order matches its start order.
type transportService struct {
	tr *transport.Transport
}

func (t transportService) Serve(ctx context.Context) error {
	<-ctx.Done()
	return t.tr.Close()
}

// purgeService calls Purger.Purge on a fixed interval until ctx is
// cancelled.
type purgeService struct {
	purger   Purger
	interval time.Duration
}

func (p purgeService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := p.purger.Purge(); n > 0 && debug {
				l.Debugln("service: purge removed", n, "entries")
			}
		}
	}
}
