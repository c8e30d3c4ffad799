// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"

	"github.com/meshstore/meshstore/internal/logutil"
)

var (
	debug = logutil.EnvDebug("transport")
	l     = logutil.DefaultLogger
)

const (
	// DefaultSendAckTimeout bounds how long Send waits for the local kernel
	// to accept a single datagram write before giving up.
	DefaultSendAckTimeout = 6 * time.Second
	// DefaultBroadcastTimeout bounds how long Broadcast waits for the first
	// peer response before giving up on the request entirely.
	DefaultBroadcastTimeout = 10 * time.Second

	maxDatagramSize = 65507
)

// Handler processes an inbound envelope that is not itself a correlated
// response to a pending request.
type Handler func(from *net.UDPAddr, env Envelope)

// Transport is the peer-to-peer datagram channel. One Transport owns one UDP
// socket; all sends and the receive loop share it.
type Transport struct {
	localID string
	conn    *net.UDPConn

	sendAckTimeout   time.Duration
	broadcastTimeout time.Duration

	pending  *xsync.MapOf[string, chan Envelope]
	handlers *xsync.MapOf[string, Handler]

	peers peerLister

	sentCounter     metrics.Counter
	recvCounter     metrics.Counter
	errorCounter    metrics.Counter
	roundTripTimer  metrics.Timer
	broadcastsTimer metrics.Timer

	stop chan struct{}
}

// peerLister resolves the current peer roster for broadcast fan-out. It is
// satisfied by swarm.Swarm; kept as a narrow interface here so this package
// does not import swarm.
type peerLister interface {
	PeerAddrs() []*net.UDPAddr
}

// New binds a UDP socket on addr (use ":0" for an ephemeral port) and
// returns a Transport identified as localID in outgoing envelopes.
func New(localID, addr string, peers peerLister) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		localID:          localID,
		conn:             conn,
		sendAckTimeout:   DefaultSendAckTimeout,
		broadcastTimeout: DefaultBroadcastTimeout,
		pending:          xsync.NewMapOf[string, chan Envelope](),
		handlers:         xsync.NewMapOf[string, Handler](),
		peers:            peers,
		sentCounter:      metrics.NewCounter(),
		recvCounter:      metrics.NewCounter(),
		errorCounter:     metrics.NewCounter(),
		roundTripTimer:   metrics.NewTimer(),
		broadcastsTimer:  metrics.NewTimer(),
		stop:             make(chan struct{}),
	}
	metrics.Register("transport.sent", t.sentCounter)
	metrics.Register("transport.received", t.recvCounter)
	metrics.Register("transport.errors", t.errorCounter)
	metrics.Register("transport.roundtrip", t.roundTripTimer)
	metrics.Register("transport.broadcast", t.broadcastsTimer)

	go t.recvLoop()
	return t, nil
}

// LocalAddr returns the bound UDP address, including the ephemeral port the
// kernel assigned if addr was ":0".
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SetTimeouts overrides the send-ack and broadcast-response deadlines. Both
// are distinct: the send-ack timeout bounds the local write, the broadcast
// timeout bounds waiting on a remote reply.
func (t *Transport) SetTimeouts(sendAck, broadcast time.Duration) {
	t.sendAckTimeout = sendAck
	t.broadcastTimeout = broadcast
}

// Handle registers fn to process inbound envelopes of the given type that
// are not answers to a pending correlated request.
func (t *Transport) Handle(envType string, fn Handler) {
	t.handlers.Store(envType, fn)
}

// Close stops the receive loop and releases the socket.
func (t *Transport) Close() error {
	close(t.stop)
	return t.conn.Close()
}

// Send writes env to addr and waits up to the send-ack timeout for the
// datagram to be accepted by the local kernel. It does not wait for a reply;
// use SendAndWait for that.
func (t *Transport) Send(addr *net.UDPAddr, env Envelope) error {
	if env.Source == "" {
		env.Source = t.localID
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.sendAckTimeout)); err != nil {
		return err
	}
	if debug {
		l.Debugln("transport: send", env.Type, "to", addr, "id", env.ID)
	}
	_, err = t.conn.WriteToUDP(buf, addr)
	if err != nil {
		t.errorCounter.Inc(1)
	} else {
		t.sentCounter.Inc(1)
	}
	return err
}

// SendAndWait sends env to addr and blocks until a correlated response
// arrives, ctx is cancelled, or the broadcast timeout elapses, whichever
// comes first. If env.ID is empty a new request id is generated.
func (t *Transport) SendAndWait(ctx context.Context, addr *net.UDPAddr, env Envelope) (Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	ch := make(chan Envelope, 1)
	t.pending.Store(env.ID, ch)
	defer t.pending.Delete(env.ID)

	start := time.Now()
	if err := t.Send(addr, env); err != nil {
		return Envelope{}, err
	}

	timeout := time.NewTimer(t.broadcastTimeout)
	defer timeout.Stop()

	select {
	case resp := <-ch:
		t.roundTripTimer.Update(time.Since(start))
		if resp.Error != "" {
			return resp, fmt.Errorf("transport: remote error: %s", resp.Error)
		}
		return resp, nil
	case <-timeout.C:
		return Envelope{}, fmt.Errorf("transport: timed out waiting for response to %s", env.ID)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Broadcast sends env to every known peer and returns the first non-error
// response received within the broadcast timeout. Later duplicate responses
// are dropped silently; this is the documented first-response-wins
// semantics of the network index and network device.
func (t *Transport) Broadcast(ctx context.Context, env Envelope) (Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Broadcast = true

	peers := t.peers.PeerAddrs()
	if len(peers) == 0 {
		return Envelope{}, fmt.Errorf("transport: no peers to broadcast to")
	}

	ch := make(chan Envelope, len(peers))
	t.pending.Store(env.ID, ch)
	defer t.pending.Delete(env.ID)

	start := time.Now()
	for _, addr := range peers {
		go func(addr *net.UDPAddr) {
			if err := t.Send(addr, env); err != nil && debug {
				l.Debugln("transport: broadcast send to", addr, "failed:", err)
			}
		}(addr)
	}

	timeout := time.NewTimer(t.broadcastTimeout)
	defer timeout.Stop()

	failures := 0
	for {
		select {
		case resp := <-ch:
			if resp.Error != "" {
				failures++
				if failures < len(peers) {
					continue
				}
				return resp, fmt.Errorf("transport: remote error: %s", resp.Error)
			}
			t.broadcastsTimer.Update(time.Since(start))
			return resp, nil
		case <-timeout.C:
			return Envelope{}, fmt.Errorf("transport: broadcast %s got no response", env.ID)
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

func (t *Transport) recvLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		if err := t.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stop:
				return
			default:
				if debug {
					l.Debugln("transport: read error:", err)
				}
				continue
			}
		}

		var env Envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			t.errorCounter.Inc(1)
			if debug {
				l.Debugln("transport: malformed datagram from", from, ":", err)
			}
			continue
		}
		t.recvCounter.Inc(1)

		if ch, ok := t.pending.Load(env.ID); ok {
			select {
			case ch <- env:
			default:
				// duplicate or already-answered broadcast; drop silently
			}
			continue
		}

		if env.Ping {
			t.handlePing(from, env)
			continue
		}

		if fn, ok := t.handlers.Load(env.Type); ok {
			go fn(from, env)
		} else if debug {
			l.Debugln("transport: no handler for type", env.Type, "from", from)
		}
	}
}

func (t *Transport) handlePing(from *net.UDPAddr, env Envelope) {
	env.Pong = true
	env.Ping = false
	env.Target = env.Source
	env.Source = t.localID
	if err := t.Send(from, env); err != nil && debug {
		l.Debugln("transport: pong to", from, "failed:", err)
	}
}
