// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package meshindex

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net"

	"github.com/greatroar/blobloom"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/meshstore/meshstore/internal/transport"
)

const (
	lookupType   = "index.lookup"
	announceType = "index.announce"
	createType   = "index.createItem"

	// hintFPRate is the false-positive rate used when sizing a peer's
	// presence hint; it is a latency optimization only, never a
	// correctness path, so a loose rate is fine.
	hintFPRate = 0.01
)

// NetworkIndex answers item lookups from the local index first, falling
// back to a broadcast request across peers when the id is not known
// locally. Writes are recorded locally and then broadcast on a
// fire-and-forget basis.
type NetworkIndex struct {
	local *LocalIndex
	tr    *transport.Transport

	inflight singleflight.Group
	hints    *xsync.MapOf[string, *blobloom.Filter]
}

// NewNetworkIndex wraps local with broadcast fallback over tr.
func NewNetworkIndex(local *LocalIndex, tr *transport.Transport) *NetworkIndex {
	ni := &NetworkIndex{
		local: local,
		tr:    tr,
		hints: xsync.NewMapOf[string, *blobloom.Filter](),
	}
	tr.Handle(lookupType, ni.handleLookup)
	tr.Handle(announceType, ni.handleAnnounce)
	tr.Handle(createType, ni.handleAnnounce)
	return ni
}

// Lookup returns id's entry, preferring the local index and only
// broadcasting if it is not known here. Concurrent lookups for the same id
// share one broadcast via singleflight.
func (ni *NetworkIndex) Lookup(ctx context.Context, id string) (Entry, error) {
	if e, ok := ni.local.Get(id); ok {
		return e, nil
	}

	v, err, _ := ni.inflight.Do(id, func() (interface{}, error) {
		resp, err := ni.tr.Broadcast(ctx, transport.Envelope{
			Type: lookupType,
			Data: id,
		})
		if err != nil {
			return Entry{}, err
		}
		e, err := decodeEntry(resp.Data)
		if err != nil {
			return Entry{}, err
		}
		// The synthesized local entry records which peer answered, so a
		// reader can tell this hit came from the network rather than a
		// local createItem.
		e.Metadata = withNode(e.Metadata, resp.Source)
		ni.local.Put(e)
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// CreateItem inserts id's entry locally, happening-before any device.put
// the caller makes afterward, then broadcasts the creation fire-and-forget.
// A namespace collision on an already-known id is returned as an error the
// caller must treat as fatal and abort on, per the index-is-source-of-truth
// contract; re-creating an id already known under the same namespace is not
// rebroadcast, since every peer already learned of it the first time.
func (ni *NetworkIndex) CreateItem(id, namespace string, metadata interface{}) (Entry, error) {
	e, existed, err := ni.local.CreateItem(id, namespace, metadata)
	if err != nil {
		return Entry{}, err
	}
	if !existed {
		ni.broadcast(createType, e)
	}
	return e, nil
}

// Purge drops locally deleted or all-failed entries, delegating to the
// wrapped local index.
func (ni *NetworkIndex) Purge() int {
	return ni.local.Purge()
}

// Announce records e locally then broadcasts it to every peer without
// waiting for acknowledgement; the response, if any, is discarded.
func (ni *NetworkIndex) Announce(e Entry) {
	ni.local.Put(e)
	ni.broadcast(announceType, e)
}

func (ni *NetworkIndex) broadcast(envType string, e Entry) {
	go func() {
		env := transport.Envelope{Type: envType, Data: e, Broadcast: true}
		if _, err := ni.tr.Broadcast(context.Background(), env); err != nil && debug {
			l.Debugln("meshindex: broadcast", envType, "for", e.ID, "got no reply:", err)
		}
	}()
}

// handleLookup answers a peer's broadcast lookup for an id we hold locally.
// If we don't have it, we simply don't reply; the requester's broadcast
// deadline, not an explicit negative, is what tells it no one answered.
func (ni *NetworkIndex) handleLookup(from *net.UDPAddr, env transport.Envelope) {
	id, ok := env.Data.(string)
	if !ok {
		return
	}
	e, ok := ni.local.Get(id)
	if !ok {
		return
	}
	resp := env
	resp.Type = lookupType + ".response"
	resp.Target = env.Source
	resp.Data = e
	if err := ni.tr.Send(from, resp); err != nil && debug {
		l.Debugln("meshindex: reply to lookup", id, "from", from, ":", err)
	}
}

// handleAnnounce merges a peer's announced entry into the local index.
func (ni *NetworkIndex) handleAnnounce(from *net.UDPAddr, env transport.Envelope) {
	e, err := decodeEntry(env.Data)
	if err != nil {
		if debug {
			l.Debugln("meshindex: malformed announce from", from, ":", err)
		}
		return
	}
	ni.local.Put(e)
}

// withNode extends metadata with a "nodes" list containing peerID, copying
// any existing map rather than mutating it (metadata is frozen by contract
// once a caller holds it). A non-map metadata value is preserved under a
// "value" key so the nodes annotation never silently discards it.
func withNode(metadata interface{}, peerID string) interface{} {
	m, ok := metadata.(map[string]interface{})
	cp := make(map[string]interface{}, len(m)+1)
	if ok {
		for k, v := range m {
			cp[k] = v
		}
	} else if metadata != nil {
		cp["value"] = metadata
	}
	cp["nodes"] = []string{peerID}
	return cp
}

func decodeEntry(data interface{}) (Entry, error) {
	bs, err := json.Marshal(data)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(bs, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// UpdateHint rebuilds the presence-hint filter for peerID from the set of
// item ids it is known to hold. This is purely a latency optimization: a
// negative hint still issues the real broadcast lookup, it is never trusted
// as the sole answer.
func (ni *NetworkIndex) UpdateHint(peerID string, ids []string) {
	f := blobloom.NewOptimized(blobloom.Config{
		Capacity: uint64(len(ids)) + 1,
		FPRate:   hintFPRate,
	})
	for _, id := range ids {
		f.Add(hashID(id))
	}
	ni.hints.Store(peerID, f)
}

// PeerMayHave reports whether peerID's presence hint suggests it holds id.
// With no hint recorded for peerID this conservatively returns true, since
// the absence of a hint must never suppress the correctness-path broadcast.
func (ni *NetworkIndex) PeerMayHave(peerID, id string) bool {
	f, ok := ni.hints.Load(peerID)
	if !ok {
		return true
	}
	return f.Has(hashID(id))
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
