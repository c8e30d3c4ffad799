// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package upnp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ccding/go-stun/stun"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/meshstore/meshstore/internal/events"
)

// Config bounds the timeouts and intervals the Gateway's three discovery
// mechanisms use.
type Config struct {
	Description     string
	SearchTimeout   time.Duration
	SOAPTimeout     time.Duration
	LeaseDuration   time.Duration
	RenewalInterval time.Duration
	STUNServer      string
}

// DefaultConfig mirrors the defaults documented for the transport and index
// timeouts: generous enough for a home router's round trip, short enough
// that a dead gateway doesn't stall startup for long.
func DefaultConfig(description string) Config {
	return Config{
		Description:     description,
		SearchTimeout:   3 * time.Second,
		SOAPTimeout:     10 * time.Second,
		LeaseDuration:   60 * time.Minute,
		RenewalInterval: 30 * time.Minute,
		STUNServer:      "stun.l.google.com:19302",
	}
}

// mapping is one port mapping the Gateway keeps alive on behalf of this
// process, as recorded by AddMapping.
type mapping struct {
	protocol Protocol
	external int
	internal int
}

// Gateway tries uPnP IGD, then NAT-PMP, for port mapping, and cross-checks
// the externally visible address with STUN. Ready becomes true the moment
// any one of the three mechanisms has produced an external address; the
// others are still retried independently on the renewal interval, matching
// the independent-failure posture used elsewhere (one device or mechanism
// failing never blocks the others).
type Gateway struct {
	cfg Config

	mu         sync.Mutex
	igd        *IGD
	natpmpGW   *natpmp.Client
	externalIP net.IP
	ready      bool
	readyOnce  sync.Once
	readyCh    chan struct{}
	mappings   []mapping
}

// NewGateway builds a Gateway that has not yet attempted discovery; call
// Serve to start it.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{cfg: cfg, readyCh: make(chan struct{})}
}

// Serve runs discovery immediately, then re-attempts discovery and renews
// any held mappings every RenewalInterval, until ctx is cancelled. It
// matches the suture.Service Serve(ctx) error contract so a supervisor can
// restart it if it returns early.
func (g *Gateway) Serve(ctx context.Context) error {
	g.discoverAndMap()

	ticker := time.NewTicker(g.cfg.RenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.discoverAndMap()
		}
	}
}

func (g *Gateway) discoverAndMap() {
	foundAddr := false

	if igds := Discover(g.cfg.SearchTimeout); len(igds) > 0 && len(igds[0].services) > 0 {
		igd := igds[0]
		if ip, err := igd.services[0].GetExternalIPAddress(); err == nil && ip != nil {
			g.mu.Lock()
			g.igd = igd
			g.externalIP = ip
			g.mu.Unlock()
			foundAddr = true
			g.renewIGDMappings(igd)
		} else if debug {
			l.Debugln("upnp: gateway: IGD found but GetExternalIPAddress failed:", err)
		}
	}

	if !foundAddr {
		if err := g.tryNATPMP(); err == nil {
			foundAddr = true
		} else if debug {
			l.Debugln("upnp: gateway: NAT-PMP fallback failed:", err)
		}
	}

	if ip, port, err := g.stunDiscover(); err == nil {
		if !foundAddr {
			g.mu.Lock()
			g.externalIP = ip
			g.mu.Unlock()
			foundAddr = true
		}
		if debug {
			l.Debugln("upnp: gateway: STUN observed", ip, port)
		}
	} else if debug {
		l.Debugln("upnp: gateway: STUN probe failed:", err)
	}

	if foundAddr {
		g.readyOnce.Do(func() {
			g.mu.Lock()
			g.ready = true
			g.mu.Unlock()
			close(g.readyCh)
			events.Default.Log(events.GatewayReady, nil)
		})
	}
}

func (g *Gateway) renewIGDMappings(igd *IGD) {
	g.mu.Lock()
	mappings := append([]mapping(nil), g.mappings...)
	g.mu.Unlock()

	for _, m := range mappings {
		leaseSeconds := int(g.cfg.LeaseDuration.Seconds())
		if err := igd.AddPortMapping(m.protocol, m.external, m.internal, g.cfg.Description, leaseSeconds); err != nil && debug {
			l.Debugln("upnp: gateway: renewing mapping", m.external, "failed:", err)
		}
	}
}

func (g *Gateway) tryNATPMP() error {
	gwIP, err := gateway.DiscoverGateway()
	if err != nil {
		return fmt.Errorf("upnp: nat-pmp: discovering default gateway: %w", err)
	}

	client := natpmp.NewClient(gwIP)
	resp, err := client.GetExternalAddress()
	if err != nil {
		return fmt.Errorf("upnp: nat-pmp: %w", err)
	}

	ip := net.IP(resp.ExternalIPAddress[:])

	g.mu.Lock()
	g.natpmpGW = client
	if g.externalIP == nil {
		g.externalIP = ip
	}
	mappings := append([]mapping(nil), g.mappings...)
	g.mu.Unlock()

	for _, m := range mappings {
		if _, err := client.AddPortMapping(string(m.protocol), m.internal, m.external, int(g.cfg.LeaseDuration.Seconds())); err != nil && debug {
			l.Debugln("upnp: nat-pmp: mapping", m.external, "failed:", err)
		}
	}
	return nil
}

func (g *Gateway) stunDiscover() (net.IP, int, error) {
	server := g.cfg.STUNServer
	if server == "" {
		server = "stun.l.google.com:19302"
	}
	client := stun.NewClient()
	client.SetServerAddr(server)

	_, host, err := client.Discover()
	if err != nil {
		return nil, 0, fmt.Errorf("upnp: stun: %w", err)
	}
	if host == nil {
		return nil, 0, fmt.Errorf("upnp: stun: no host in response")
	}
	ip := net.ParseIP(host.IP())
	if ip == nil {
		return nil, 0, fmt.Errorf("upnp: stun: could not parse address %q", host.IP())
	}
	return ip, int(host.Port()), nil
}

// Ready reports whether any discovery mechanism has produced an external
// address yet.
func (g *Gateway) Ready() <-chan struct{} {
	return g.readyCh
}

// ExternalAddr returns the best-known external IP: the uPnP/NAT-PMP
// -reported address if a mapping mechanism succeeded (authoritative for the
// mapped port), falling back to the STUN-observed address otherwise.
func (g *Gateway) ExternalAddr() (net.IP, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.externalIP == nil {
		return nil, false
	}
	return g.externalIP, true
}

// AddMapping records the (protocol, externalPort, internalPort) mapping to
// maintain and attempts it immediately against whichever mechanism is
// currently available, trying uPnP first.
func (g *Gateway) AddMapping(protocol Protocol, externalPort, internalPort int) error {
	g.mu.Lock()
	g.mappings = append(g.mappings, mapping{protocol: protocol, external: externalPort, internal: internalPort})
	igd := g.igd
	natClient := g.natpmpGW
	g.mu.Unlock()

	leaseSeconds := int(g.cfg.LeaseDuration.Seconds())
	var err error
	switch {
	case igd != nil:
		err = igd.AddPortMapping(protocol, externalPort, internalPort, g.cfg.Description, leaseSeconds)
	case natClient != nil:
		_, err = natClient.AddPortMapping(string(protocol), internalPort, externalPort, leaseSeconds)
	default:
		err = fmt.Errorf("upnp: gateway: no port mapping mechanism available yet")
	}
	if err == nil {
		events.Default.Log(events.GatewayPortMapped, map[string]interface{}{"protocol": protocol, "externalPort": externalPort})
	}
	return err
}

// RemoveMapping narrows on (protocol, externalPort, description) the same
// way IGD.DeletePortMapping does, so it never removes a mapping owned by
// another process.
func (g *Gateway) RemoveMapping(protocol Protocol, externalPort int) error {
	g.mu.Lock()
	igd := g.igd
	for i, m := range g.mappings {
		if m.protocol == protocol && m.external == externalPort {
			g.mappings = append(g.mappings[:i], g.mappings[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	if igd == nil {
		return nil
	}
	if err := igd.DeletePortMapping(protocol, externalPort, g.cfg.Description); err != nil {
		return err
	}
	events.Default.Log(events.GatewayPortMappingLost, map[string]interface{}{"protocol": protocol, "externalPort": externalPort})
	return nil
}
