// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshstore/meshstore/internal/transport"
)

const (
	existsType = "device.exists"
	deleteType = "device.delete"

	// pingCacheTTL bounds how long a successful ping is trusted before the
	// next Ping call issues a fresh round trip.
	pingCacheTTL = 30 * time.Second
)

type pingResult struct {
	ok  bool
	at  time.Time
}

// NetworkDevice replicates to a remote peer: small control messages travel
// over the datagram transport, item bytes travel over the peer's HTTP
// content server.
type NetworkDevice struct {
	id          string
	localID     string
	addr        *net.UDPAddr
	contentAddr string
	tr          *transport.Transport

	pingCache *lru.Cache[string, pingResult]
}

// NewNetworkDevice addresses a peer reachable at addr (datagram transport)
// and contentAddr (HTTP content server).
func NewNetworkDevice(id, localID string, addr *net.UDPAddr, contentAddr string, tr *transport.Transport) (*NetworkDevice, error) {
	cache, err := lru.New[string, pingResult](1)
	if err != nil {
		return nil, err
	}
	return &NetworkDevice{
		id:          id,
		localID:     localID,
		addr:        addr,
		contentAddr: contentAddr,
		tr:          tr,
		pingCache:   cache,
	}, nil
}

func (d *NetworkDevice) ID() string { return d.id }

func (d *NetworkDevice) Put(ctx context.Context, id string, r io.Reader) Status {
	if err := transport.PushContent(ctx, d.contentAddr, d.id, id, r); err != nil {
		if debug {
			l.Debugln("device: network put", id, "to", d.id, ":", err)
		}
		return Err(502, err)
	}
	return OK()
}

func (d *NetworkDevice) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	return transport.FetchContent(ctx, d.contentAddr, d.id, id)
}

func (d *NetworkDevice) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := d.tr.SendAndWait(ctx, d.addr, transport.Envelope{
		Type:   existsType,
		Source: d.localID,
		Data:   id,
	})
	if err != nil {
		return false, err
	}
	exists, _ := resp.Data.(bool)
	return exists, nil
}

func (d *NetworkDevice) Delete(ctx context.Context, id string) error {
	_, err := d.tr.SendAndWait(ctx, d.addr, transport.Envelope{
		Type:   deleteType,
		Source: d.localID,
		Data:   id,
	})
	return err
}

// Ping reuses a recent successful result for up to pingCacheTTL before
// issuing a fresh round trip, so repeated liveness checks against the same
// peer don't each pay the network cost.
func (d *NetworkDevice) Ping(ctx context.Context) error {
	if cached, ok := d.pingCache.Get(d.id); ok && time.Since(cached.at) < pingCacheTTL {
		if cached.ok {
			return nil
		}
		return fmt.Errorf("device: %s: cached ping failure", d.id)
	}

	resp, err := d.tr.SendAndWait(ctx, d.addr, transport.Envelope{
		Type:   "ping",
		Source: d.localID,
		Ping:   true,
	})
	ok := err == nil && resp.Pong
	d.pingCache.Add(d.id, pingResult{ok: ok, at: time.Now()})
	if !ok && err == nil {
		err = fmt.Errorf("device: %s: ping got no pong", d.id)
	}
	return err
}

// RegisterHandlers wires tr's device.exists and device.delete request types
// to local, so a peer can query or remove content this process holds.
func RegisterHandlers(tr *transport.Transport, local *LocalDevice) {
	tr.Handle(existsType, func(from *net.UDPAddr, env transport.Envelope) {
		id, _ := env.Data.(string)
		exists, err := local.Exists(context.Background(), id)
		if err != nil && debug {
			l.Debugln("device: exists check for", id, ":", err)
		}
		resp := env
		resp.Type = existsType
		resp.Target = env.Source
		resp.Data = exists
		tr.Send(from, resp)
	})

	tr.Handle(deleteType, func(from *net.UDPAddr, env transport.Envelope) {
		id, _ := env.Data.(string)
		err := local.Delete(context.Background(), id)
		resp := env
		resp.Type = deleteType
		resp.Target = env.Source
		if err != nil {
			resp.Error = err.Error()
		}
		tr.Send(from, resp)
	})
}
