// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store implements the replication engine tying together content
// addressing, the device fan-out, and the distributed index.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meshstore/meshstore/internal/device"
	"github.com/meshstore/meshstore/internal/events"
	"github.com/meshstore/meshstore/internal/logutil"
	"github.com/meshstore/meshstore/internal/meshid"
	"github.com/meshstore/meshstore/internal/meshindex"
)

var (
	debug = logutil.EnvDebug("store")
	l     = logutil.DefaultLogger
)

// Index is the subset of meshindex.NetworkIndex the store depends on, kept
// narrow so tests can substitute a fake.
type Index interface {
	Lookup(ctx context.Context, id string) (meshindex.Entry, error)
	CreateItem(id, namespace string, metadata interface{}) (meshindex.Entry, error)
	Announce(e meshindex.Entry)
	Purge() int
}

// ErrorHandler is the single optional, user-visible notification surface for
// failures that do not otherwise abort the calling operation: per-device
// save/sync failures and get/delete failures. kind is one of "save", "get",
// "delete", "sync". It is notification-only and must never block or panic;
// a crash-reporting sidechannel, if configured, subscribes alongside it
// rather than replacing it.
type ErrorHandler func(err error, itemID, namespace, kind string)

// Store is the replication engine: it hashes incoming content once,
// streaming it out to every configured device in parallel, and records the
// per-device outcome in the index.
type Store struct {
	spoolDir string
	devices  []device.Device
	index    Index

	// ErrorHandler, when non-nil, is invoked for every failure described
	// above. Left nil, failures are still returned to the caller (or
	// recorded in the item's status) but nothing else is notified.
	ErrorHandler ErrorHandler
}

func (s *Store) notify(err error, itemID, namespace, kind string) {
	if err != nil && s.ErrorHandler != nil {
		s.ErrorHandler(err, itemID, namespace, kind)
	}
}

// New builds a Store that spools incoming content under spoolDir (for the
// duration of a single Save call) before fanning it out to devices.
func New(spoolDir string, index Index, devices ...device.Device) (*Store, error) {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{spoolDir: spoolDir, devices: devices, index: index}, nil
}

// Save hashes content as it streams in, replicates it to every device in
// parallel, and records the result in the index. The returned id is only
// ever a function of content and namespace. metadata is opaque to the store
// and frozen at creation: index.createItem happens-before any device.put
// (the id and metadata are recorded in the index before devices are
// addressed; the index persists them on its own flush schedule), and a
// createItem error — a namespace collision on an existing id — aborts the
// save entirely as a fatal-class error without touching any device.
//
// A non-nil error alongside a non-empty id means the item was created and
// indexed but could not be replicated to every device; the partial status is
// already recorded in the index and the configured ErrorHandler, if any, has
// already been notified with kind "save".
func (s *Store) Save(ctx context.Context, r io.Reader, namespace string, metadata interface{}) (string, error) {
	spool, err := os.CreateTemp(s.spoolDir, ".meshstore-spool-")
	if err != nil {
		return "", err
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)

	id, err := meshid.SumReader(io.TeeReader(r, spool), namespace)
	if err != nil {
		spool.Close()
		return "", fmt.Errorf("store: hashing content: %w", err)
	}
	if err := spool.Close(); err != nil {
		return "", fmt.Errorf("store: closing spool: %w", err)
	}

	entry, err := s.index.CreateItem(id, namespace, metadata)
	if err != nil {
		return "", fmt.Errorf("store: index create %s: %w", id, err)
	}

	statuses, err := s.putAll(ctx, id, spoolPath)
	if err != nil {
		return "", err
	}

	entry.Statuses = statuses
	s.index.Announce(entry)
	events.Default.Log(events.ItemSaved, map[string]interface{}{"id": id, "namespace": namespace})

	if partialFailure(statuses) {
		err := fmt.Errorf("store: item could not be sent to some devices")
		s.notify(err, id, namespace, "save")
		return id, err
	}
	return id, nil
}

// partialFailure reports whether at least one device in statuses did not
// report success.
func partialFailure(statuses map[string]device.Status) bool {
	for _, st := range statuses {
		if st.Code != 200 {
			return true
		}
	}
	return false
}

// putAll streams spoolPath to every device concurrently, each from its own
// file handle, and collects a per-device status regardless of individual
// failures: a partial failure never aborts the other devices' puts.
func (s *Store) putAll(ctx context.Context, id, spoolPath string) (map[string]device.Status, error) {
	if len(s.devices) == 0 {
		return nil, fmt.Errorf("store: no devices configured")
	}

	statuses := make(map[string]device.Status, len(s.devices))
	var mu errMu
	g, gctx := errgroup.WithContext(ctx)

	for _, dev := range s.devices {
		dev := dev
		g.Go(func() error {
			fd, err := os.Open(spoolPath)
			if err != nil {
				mu.set(dev.ID(), device.Err(500, err))
				return nil
			}
			defer fd.Close()

			st := dev.Put(gctx, id, fd)
			mu.set(dev.ID(), st)
			if st.Code != 200 {
				events.Default.Log(events.ItemStatusChanged, map[string]interface{}{"id": id, "device": dev.ID(), "code": st.Code})
				if debug {
					l.Debugln("store: put", id, "to", dev.ID(), "failed:", st.Message)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for devID, st := range mu.m {
		statuses[devID] = st
	}
	return statuses, nil
}

// Get retrieves item id from the first device that answers Ping and reports
// the item exists, trying devices whose last known status was 200 before
// the others.
func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	entry, err := s.index.Lookup(ctx, id)
	if err != nil {
		err = fmt.Errorf("store: lookup %s: %w", id, err)
		s.notify(err, id, "", "get")
		return nil, err
	}

	var lastErr error
	for _, dev := range s.orderedByStatus(entry) {
		if err := dev.Ping(ctx); err != nil {
			lastErr = err
			continue
		}
		if ok, err := dev.Exists(ctx, id); err != nil || !ok {
			if err != nil {
				lastErr = err
			}
			continue
		}
		rc, err := dev.Get(ctx, id)
		if err == nil {
			return rc, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("store: %s: no device could serve it", id)
	}
	s.notify(lastErr, id, entry.Namespace, "get")
	return nil, lastErr
}

func (s *Store) orderedByStatus(entry meshindex.Entry) []device.Device {
	var ok, rest []device.Device
	for _, dev := range s.devices {
		if st, known := entry.Statuses[dev.ID()]; known && st.Code == 200 {
			ok = append(ok, dev)
		} else {
			rest = append(rest, dev)
		}
	}
	return append(ok, rest...)
}

// Delete removes id from every device, swallowing individual device errors,
// then flags the index entry deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	entry, lookupErr := s.index.Lookup(ctx, id)

	var g errgroup.Group
	for _, dev := range s.devices {
		dev := dev
		g.Go(func() error {
			if err := dev.Delete(ctx, id); err != nil {
				if debug {
					l.Debugln("store: delete", id, "from", dev.ID(), "failed:", err)
				}
				s.notify(fmt.Errorf("store: delete %s from %s: %w", id, dev.ID(), err), id, entry.Namespace, "delete")
			}
			return nil
		})
	}
	_ = g.Wait()

	if lookupErr != nil {
		return nil
	}
	entry.Deleted = true
	s.index.Announce(entry)
	events.Default.Log(events.ItemDeleted, map[string]interface{}{"id": id})
	return nil
}

// Sync re-attempts device.put only for devices whose last recorded status
// for id was non-200, reusing the content from whichever device currently
// holds a 200 copy.
func (s *Store) Sync(ctx context.Context, id string) error {
	entry, err := s.index.Lookup(ctx, id)
	if err != nil {
		return fmt.Errorf("store: sync %s: lookup: %w", id, err)
	}
	if entry.AllOK() {
		return nil
	}

	var source device.Device
	for _, dev := range s.devices {
		if st, ok := entry.Statuses[dev.ID()]; ok && st.Code == 200 {
			source = dev
			break
		}
	}
	if source == nil {
		events.Default.Log(events.ItemSyncFailed, map[string]interface{}{"id": id})
		err := fmt.Errorf("store: sync %s: no device currently holds a good copy", id)
		s.notify(err, id, entry.Namespace, "sync")
		return err
	}

	rc, err := source.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("store: sync %s: reading source copy: %w", id, err)
	}
	defer rc.Close()

	spoolPath := filepath.Join(s.spoolDir, ".meshstore-sync-"+id)
	spool, err := os.Create(spoolPath)
	if err != nil {
		return err
	}
	defer os.Remove(spoolPath)
	if _, err := io.Copy(spool, rc); err != nil {
		spool.Close()
		return err
	}
	spool.Close()

	for _, dev := range s.devices {
		if st, ok := entry.Statuses[dev.ID()]; ok && st.Code == 200 {
			continue
		}
		fd, err := os.Open(spoolPath)
		if err != nil {
			s.notify(fmt.Errorf("store: sync %s: reopening spool for %s: %w", id, dev.ID(), err), id, entry.Namespace, "sync")
			continue
		}
		st := dev.Put(ctx, id, fd)
		fd.Close()
		entry.Statuses[dev.ID()] = st
		if st.Code != 200 {
			s.notify(fmt.Errorf("store: sync %s: %s: %s", id, dev.ID(), st.Message), id, entry.Namespace, "sync")
		}
	}

	s.index.Announce(entry)
	return nil
}

// Purge drops index entries that are deleted, or whose status map is
// non-empty and entirely non-200, returning the number removed. It does not
// touch device content directly; Delete is responsible for that.
func (s *Store) Purge() int {
	n := s.index.Purge()
	if n > 0 {
		events.Default.Log(events.PurgeCompleted, map[string]interface{}{"count": n})
	}
	return n
}

// Close releases store resources. Individual devices that hold their own
// resources (e.g. a cloud bucket connection) are the caller's to close.
func (s *Store) Close() error {
	return nil
}

// errMu is a tiny mutex-guarded map, used instead of a sync.Map because the
// value type (device.Status) is a plain struct and the access pattern is a
// handful of concurrent writers followed by one reader.
type errMu struct {
	mu sync.Mutex
	m  map[string]device.Status
}

func (e *errMu) set(id string, st device.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.m == nil {
		e.m = make(map[string]device.Status)
	}
	e.m[id] = st
}
