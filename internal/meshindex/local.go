// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package meshindex implements the distributed index: a local-first lookup
// with broadcast-fallback reads and fire-and-forget broadcast-announce
// writes, on top of an in-memory, file-persisted local index.
package meshindex

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/meshstore/meshstore/internal/device"
	"github.com/meshstore/meshstore/internal/events"
	"github.com/meshstore/meshstore/internal/logutil"
	"github.com/meshstore/meshstore/internal/osutil"
)

var (
	debug = logutil.EnvDebug("meshindex")
	l     = logutil.DefaultLogger
)

// NetworkMapID is the reserved index entry holding the peer roster, kept in
// the index itself (rather than only in the swarm) so a broadcast lookup for
// it behaves exactly like any other entry.
const NetworkMapID = "__p2p__"

// LocalPeerID is the reserved index entry describing this process's own
// peer record.
const LocalPeerID = "__local__"

// DeviceStatus is the last known replication result for one device; an
// alias of device.Status so the store can hand putAll's results straight to
// an Entry without a field-by-field conversion.
type DeviceStatus = device.Status

// Entry is one item's index record: which devices hold it and with what
// status, plus lifecycle bookkeeping. Metadata is opaque to the index and
// frozen at creation: CreateItem adopts it by reference and nothing in this
// package mutates it afterward.
type Entry struct {
	ID        string                  `json:"id"`
	Namespace string                  `json:"namespace,omitempty"`
	Statuses  map[string]DeviceStatus `json:"statuses"`
	Deleted   bool                    `json:"deleted,omitempty"`
	Metadata  interface{}             `json:"metadata,omitempty"`
	CreatedAt time.Time               `json:"createdAt"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// AllOK reports whether every device recorded in the entry replied 200.
func (e Entry) AllOK() bool {
	if len(e.Statuses) == 0 {
		return false
	}
	for _, st := range e.Statuses {
		if st.Code != 200 {
			return false
		}
	}
	return true
}

// AnyOK reports whether at least one device recorded in the entry replied
// 200.
func (e Entry) AnyOK() bool {
	for _, st := range e.Statuses {
		if st.Code == 200 {
			return true
		}
	}
	return false
}

// LocalIndex is the in-memory, file-persisted index of items known to this
// node. Writes are coalesced: repeated Put calls within the debounce window
// result in a single flush to disk.
type LocalIndex struct {
	path     string
	debounce time.Duration

	entries *xsync.MapOf[string, Entry]

	flushRequested chan struct{}
	closed         chan struct{}
	done           chan struct{}
}

// DefaultDebounce is how long LocalIndex waits after the last write before
// flushing to disk, unless Close forces an immediate synchronous flush.
const DefaultDebounce = 50 * time.Millisecond

// Open loads the index persisted at path (creating an empty one if it does
// not exist yet) and starts the coalesced flush loop.
func Open(path string) (*LocalIndex, error) {
	idx := &LocalIndex{
		path:           path,
		debounce:       DefaultDebounce,
		entries:        xsync.NewMapOf[string, Entry](),
		flushRequested: make(chan struct{}, 1),
		closed:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	go idx.flushLoop()
	return idx, nil
}

// SetDebounce overrides the coalesced flush delay.
func (idx *LocalIndex) SetDebounce(d time.Duration) {
	idx.debounce = d
}

func (idx *LocalIndex) load() error {
	bs, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal(bs, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		idx.entries.Store(e.ID, e)
	}
	return nil
}

// CreateItem inserts a fresh entry for id with namespace and metadata,
// happening-before any device.put the caller goes on to make. A second
// CreateItem for an id already known under the same namespace is not an
// error — re-saving identical content is the normal content-addressed case
// — and returns the existing entry unchanged, with existed=true. An id
// already known under a *different* namespace is a genuine collision (two
// distinct logical items would otherwise share one id) and is rejected.
func (idx *LocalIndex) CreateItem(id, namespace string, metadata interface{}) (e Entry, existed bool, err error) {
	if existing, ok := idx.entries.Load(id); ok {
		if existing.Namespace != namespace {
			return Entry{}, false, fmt.Errorf("meshindex: create %s: already exists under namespace %q", id, existing.Namespace)
		}
		return existing, true, nil
	}
	e = Entry{
		ID:        id,
		Namespace: namespace,
		Metadata:  metadata,
		Statuses:  make(map[string]DeviceStatus),
	}
	idx.Put(e)
	e, _ = idx.entries.Load(id)
	return e, false, nil
}

// Put inserts or replaces id's entry and schedules a coalesced flush.
func (idx *LocalIndex) Put(e Entry) {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		if existing, ok := idx.entries.Load(e.ID); ok {
			e.CreatedAt = existing.CreatedAt
		} else {
			e.CreatedAt = now
		}
	}
	e.UpdatedAt = now
	idx.entries.Store(e.ID, e)
	idx.requestFlush()
	events.Default.Log(events.LocalIndexUpdated, map[string]interface{}{"id": e.ID})
	if debug {
		l.Debugln("meshindex: put", e.ID)
	}
}

// Get returns id's entry, if known locally.
func (idx *LocalIndex) Get(id string) (Entry, bool) {
	return idx.entries.Load(id)
}

// MarkDeleted flags id as deleted without removing its bookkeeping; Purge
// later drops it from disk.
func (idx *LocalIndex) MarkDeleted(id string) bool {
	e, ok := idx.entries.Load(id)
	if !ok {
		return false
	}
	e.Deleted = true
	e.UpdatedAt = time.Now()
	idx.entries.Store(id, e)
	idx.requestFlush()
	return true
}

// Purge drops every entry that is deleted, or whose status map is non-empty
// and entirely non-200, returning the number of entries removed.
func (idx *LocalIndex) Purge() int {
	var toRemove []string
	idx.entries.Range(func(id string, e Entry) bool {
		if id == NetworkMapID || id == LocalPeerID {
			return true
		}
		if e.Deleted {
			toRemove = append(toRemove, id)
			return true
		}
		if len(e.Statuses) > 0 && !e.AnyOK() {
			toRemove = append(toRemove, id)
		}
		return true
	})
	for _, id := range toRemove {
		idx.entries.Delete(id)
	}
	if len(toRemove) > 0 {
		idx.requestFlush()
	}
	return len(toRemove)
}

// All returns every entry currently known, including reserved ones.
func (idx *LocalIndex) All() []Entry {
	out := make([]Entry, 0, idx.entries.Size())
	idx.entries.Range(func(_ string, e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (idx *LocalIndex) requestFlush() {
	select {
	case idx.flushRequested <- struct{}{}:
	default:
	}
}

func (idx *LocalIndex) flushLoop() {
	defer close(idx.done)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-idx.flushRequested:
			if !pending {
				pending = true
				timer.Reset(idx.debounce)
			}
		case <-timer.C:
			if pending {
				if err := idx.flush(); err != nil && debug {
					l.Debugln("meshindex: flush:", err)
				}
				pending = false
			}
		case <-idx.closed:
			if pending {
				timer.Stop()
			}
			if err := idx.flush(); err != nil && debug {
				l.Debugln("meshindex: final flush:", err)
			}
			return
		}
	}
}

func (idx *LocalIndex) flush() error {
	entries := idx.All()
	bs, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	w, err := osutil.CreateAtomic(idx.path, 0o644)
	if err != nil {
		return err
	}
	if _, err := w.Write(bs); err != nil {
		return err
	}
	return w.Close()
}

// Close stops the flush loop after performing one final synchronous flush.
func (idx *LocalIndex) Close() error {
	close(idx.closed)
	<-idx.done
	return nil
}
