// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/meshstore/meshstore/internal/config"
	"github.com/meshstore/meshstore/internal/device"
	"github.com/meshstore/meshstore/internal/meshindex"
	"github.com/meshstore/meshstore/internal/service"
	"github.com/meshstore/meshstore/internal/store"
	"github.com/meshstore/meshstore/internal/swarm"
	"github.com/meshstore/meshstore/internal/transport"
	"github.com/meshstore/meshstore/internal/upnp"
)

// node wires every component SPEC_FULL.md describes into one running
// process: the peer roster, the datagram transport and its HTTP content
// side-channel, the distributed index, the replication store, and
// (optionally) the gateway and its supervisor.
type node struct {
	cfg config.Configuration

	swarm      *swarm.Swarm
	tr         *transport.Transport
	contentSrv *transport.ContentServer
	localIdx   *meshindex.LocalIndex
	idx        *meshindex.NetworkIndex
	store      *store.Store
	gateway    *upnp.Gateway
	sup        *service.Supervisor
}

// buildNode constructs every long-lived component for cfg but does not
// start the supervisor loop; callers that only need one-shot store
// operations can use the result directly and Close it when done, while
// Serve additionally runs the supervisor until ctx is cancelled.
func buildNode(cfg config.Configuration) (*node, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating base dir: %w", err)
	}

	sw, err := swarm.Open(filepath.Join(cfg.BaseDir, "peers"))
	if err != nil {
		return nil, fmt.Errorf("opening peer roster: %w", err)
	}

	tr, err := transport.New(swarm.LocalID, cfg.Transport.ListenAddress, sw)
	if err != nil {
		return nil, fmt.Errorf("binding transport: %w", err)
	}
	if cfg.Transport.SendAckTimeout > 0 || cfg.Transport.BroadcastTimeout > 0 {
		tr.SetTimeouts(cfg.Transport.SendAckTimeout, cfg.Transport.BroadcastTimeout)
	}

	localIdx, err := meshindex.Open(filepath.Join(cfg.BaseDir, "index.json"))
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if cfg.Index.FlushDebounce > 0 {
		localIdx.SetDebounce(cfg.Index.FlushDebounce)
	}
	idx := meshindex.NewNetworkIndex(localIdx, tr)

	devices := make([]device.Device, 0, len(cfg.Devices))
	var localDevice *device.LocalDevice
	for _, d := range cfg.Devices {
		switch d.Kind {
		case config.DeviceLocal:
			ld, err := device.NewLocalDevice(d.ID, filepath.Join(cfg.BaseDir, d.Path))
			if err != nil {
				tr.Close()
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
			devices = append(devices, ld)
			if localDevice == nil {
				localDevice = ld
			}
		case config.DeviceNetwork:
			addr, err := net.ResolveUDPAddr("udp", d.Address)
			if err != nil {
				tr.Close()
				return nil, fmt.Errorf("device %s: resolving %s: %w", d.ID, d.Address, err)
			}
			nd, err := device.NewNetworkDevice(d.ID, swarm.LocalID, addr, d.ContentAddress, tr)
			if err != nil {
				tr.Close()
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
			devices = append(devices, nd)
		case config.DeviceCloud:
			cd, err := device.NewCloudDevice(context.Background(), d.ID, d.BucketURL, d.Prefix)
			if err != nil {
				tr.Close()
				return nil, fmt.Errorf("device %s: %w", d.ID, err)
			}
			devices = append(devices, cd)
		}
	}

	st, err := store.New(filepath.Join(cfg.BaseDir, "spool"), idx, devices...)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	st.ErrorHandler = func(err error, itemID, namespace, kind string) {
		l.Warnln("store:", kind, itemID, err)
	}

	var contentSrv *transport.ContentServer
	if localDevice != nil {
		contentSrv, err = transport.NewContentServer(localDevice, func(ctx context.Context, item string, r io.Reader) error {
			if status := localDevice.Put(ctx, item, r); status.Code != 200 {
				return fmt.Errorf("content server: put %s: %s", item, status.Message)
			}
			return nil
		})
		if err != nil {
			tr.Close()
			return nil, fmt.Errorf("starting content server: %w", err)
		}
	}

	var gw *upnp.Gateway
	if cfg.Gateway.Enabled {
		gwCfg := upnp.DefaultConfig("meshstore")
		if cfg.Gateway.SearchTimeout > 0 {
			gwCfg.SearchTimeout = cfg.Gateway.SearchTimeout
		}
		if cfg.Gateway.SOAPTimeout > 0 {
			gwCfg.SOAPTimeout = cfg.Gateway.SOAPTimeout
		}
		if cfg.Gateway.LeaseDuration > 0 {
			gwCfg.LeaseDuration = cfg.Gateway.LeaseDuration
		}
		if cfg.Gateway.RenewalInterval > 0 {
			gwCfg.RenewalInterval = cfg.Gateway.RenewalInterval
		}
		gw = upnp.NewGateway(gwCfg)
	}

	sup := service.New("meshstore", tr, gw, st, 0)

	n := &node{
		cfg:        cfg,
		swarm:      sw,
		tr:         tr,
		contentSrv: contentSrv,
		localIdx:   localIdx,
		idx:        idx,
		store:      st,
		gateway:    gw,
		sup:        sup,
	}

	addr := tr.LocalAddr().String()
	contentAddr := ""
	if contentSrv != nil {
		contentAddr = contentSrv.Addr()
	}
	if _, err := sw.UpdateLocalNode(addr, contentAddr); err != nil {
		n.Close()
		return nil, fmt.Errorf("recording local peer address: %w", err)
	}

	return n, nil
}

// Close releases every resource buildNode opened, in reverse order.
func (n *node) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if n.store != nil {
		record(n.store.Close())
	}
	if n.contentSrv != nil {
		record(n.contentSrv.Close())
	}
	if n.localIdx != nil {
		record(n.localIdx.Close())
	}
	if n.tr != nil {
		record(n.tr.Close())
	}
	return firstErr
}
