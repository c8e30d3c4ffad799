// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package meshindex

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshstore/meshstore/internal/transport"
)

type staticPeers struct {
	addrs []*net.UDPAddr
}

func (p staticPeers) PeerAddrs() []*net.UDPAddr { return p.addrs }

func newTestTransport(t *testing.T, peers staticPeers) *transport.Transport {
	t.Helper()
	tr, err := transport.New("node-"+t.Name(), "127.0.0.1:0", peers)
	if err != nil {
		t.Fatal(err)
	}
	tr.SetTimeouts(500*time.Millisecond, 2*time.Second)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newTestLocalIndex(t *testing.T) *LocalIndex {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestNetworkIndexLocalHit(t *testing.T) {
	local := newTestLocalIndex(t)
	local.Put(Entry{ID: "abc"})

	tr := newTestTransport(t, staticPeers{})
	ni := NewNetworkIndex(local, tr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e, err := ni.Lookup(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "abc" {
		t.Errorf("got %q", e.ID)
	}
}

func TestNetworkIndexBroadcastFallback(t *testing.T) {
	remoteLocal := newTestLocalIndex(t)
	remoteLocal.Put(Entry{ID: "abc", Statuses: map[string]DeviceStatus{"dev-1": {Code: 200}}})
	remoteTr := newTestTransport(t, staticPeers{})
	NewNetworkIndex(remoteLocal, remoteTr)

	localIdx := newTestLocalIndex(t)
	localTr := newTestTransport(t, staticPeers{addrs: []*net.UDPAddr{remoteTr.LocalAddr()}})
	ni := NewNetworkIndex(localIdx, localTr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e, err := ni.Lookup(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "abc" {
		t.Errorf("got %q", e.ID)
	}

	// A second lookup should now hit the local cache populated by the first.
	if _, ok := localIdx.Get("abc"); !ok {
		t.Error("expected broadcast result cached locally")
	}
}

func TestNetworkIndexBroadcastFallbackAnnotatesRespondingNode(t *testing.T) {
	remoteLocal := newTestLocalIndex(t)
	remoteLocal.Put(Entry{ID: "foo", Metadata: map[string]interface{}{"name": "t"}})
	remoteTr, err := transport.New("remote-node", "127.0.0.1:0", staticPeers{})
	if err != nil {
		t.Fatal(err)
	}
	remoteTr.SetTimeouts(500*time.Millisecond, 2*time.Second)
	t.Cleanup(func() { remoteTr.Close() })
	NewNetworkIndex(remoteLocal, remoteTr)

	localIdx := newTestLocalIndex(t)
	localTr := newTestTransport(t, staticPeers{addrs: []*net.UDPAddr{remoteTr.LocalAddr()}})
	ni := NewNetworkIndex(localIdx, localTr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e, err := ni.Lookup(ctx, "foo")
	if err != nil {
		t.Fatal(err)
	}
	metadata, ok := e.Metadata.(map[string]interface{})
	if !ok {
		t.Fatalf("expected metadata map, got %T", e.Metadata)
	}
	if metadata["name"] != "t" {
		t.Errorf("expected original metadata preserved, got %+v", metadata)
	}
	nodes, ok := metadata["nodes"].([]string)
	if !ok || len(nodes) != 1 || nodes[0] != "remote-node" {
		t.Errorf("expected metadata.nodes to name the responding peer, got %+v", metadata["nodes"])
	}
}

func TestNetworkIndexCreateItemBroadcasts(t *testing.T) {
	remoteLocal := newTestLocalIndex(t)
	remoteTr := newTestTransport(t, staticPeers{})
	NewNetworkIndex(remoteLocal, remoteTr)

	localIdx := newTestLocalIndex(t)
	localTr := newTestTransport(t, staticPeers{addrs: []*net.UDPAddr{remoteTr.LocalAddr()}})
	ni := NewNetworkIndex(localIdx, localTr)

	if _, err := ni.CreateItem("xyz", "", map[string]interface{}{"name": "t"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := remoteLocal.Get("xyz"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected createItem broadcast to propagate to remote index")
}

func TestNetworkIndexAnnouncePropagates(t *testing.T) {
	remoteLocal := newTestLocalIndex(t)
	remoteTr := newTestTransport(t, staticPeers{})
	NewNetworkIndex(remoteLocal, remoteTr)

	localIdx := newTestLocalIndex(t)
	localTr := newTestTransport(t, staticPeers{addrs: []*net.UDPAddr{remoteTr.LocalAddr()}})
	ni := NewNetworkIndex(localIdx, localTr)

	ni.Announce(Entry{ID: "xyz", Statuses: map[string]DeviceStatus{"dev-1": {Code: 200}}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := remoteLocal.Get("xyz"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected announced entry to propagate to remote index")
}

func TestPeerMayHaveWithoutHintIsConservative(t *testing.T) {
	local := newTestLocalIndex(t)
	tr := newTestTransport(t, staticPeers{})
	ni := NewNetworkIndex(local, tr)

	if !ni.PeerMayHave("unknown-peer", "some-id") {
		t.Error("expected conservative true with no hint recorded")
	}
}

func TestPeerMayHaveWithHint(t *testing.T) {
	local := newTestLocalIndex(t)
	tr := newTestTransport(t, staticPeers{})
	ni := NewNetworkIndex(local, tr)

	ni.UpdateHint("peer-1", []string{"abc", "def"})

	if !ni.PeerMayHave("peer-1", "abc") {
		t.Error("expected hint to report presence of abc")
	}
}
