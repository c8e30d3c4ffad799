// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package meshindex

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	idx.Put(Entry{ID: "abc", Statuses: map[string]DeviceStatus{"dev-1": {Code: 200}}})

	e, ok := idx.Get("abc")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.CreatedAt.IsZero() || e.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestPutPreservesCreatedAt(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	idx.Put(Entry{ID: "abc"})
	first, _ := idx.Get("abc")

	time.Sleep(5 * time.Millisecond)
	idx.Put(Entry{ID: "abc", Statuses: map[string]DeviceStatus{"dev-1": {Code: 200}}})
	second, _ := idx.Get("abc")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("expected CreatedAt preserved across updates")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("expected UpdatedAt to advance")
	}
}

func TestCreateItemIsIdempotentForSameNamespace(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	first, existed, err := idx.CreateItem("abc", "ns", map[string]interface{}{"name": "t"})
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Error("expected first CreateItem to report existed=false")
	}

	second, existed, err := idx.CreateItem("abc", "ns", map[string]interface{}{"name": "different"})
	if err != nil {
		t.Fatalf("expected re-creating the same id/namespace to succeed, got %v", err)
	}
	if !existed {
		t.Error("expected second CreateItem to report existed=true")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("expected the existing entry to be returned unchanged")
	}
}

func TestCreateItemRejectsNamespaceCollision(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if _, _, err := idx.CreateItem("abc", "ns1", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := idx.CreateItem("abc", "ns2", nil); err == nil {
		t.Fatal("expected a namespace collision on an existing id to be an error")
	}
}

func TestMarkDeletedAndPurge(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	idx.Put(Entry{ID: "abc", Statuses: map[string]DeviceStatus{"dev-1": {Code: 200}}})
	if !idx.MarkDeleted("abc") {
		t.Fatal("expected MarkDeleted to find the entry")
	}

	n := idx.Purge()
	if n != 1 {
		t.Fatalf("expected 1 entry purged, got %d", n)
	}
	if _, ok := idx.Get("abc"); ok {
		t.Error("expected entry gone after purge")
	}
}

func TestPurgeDropsAllFailedEntries(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	idx.Put(Entry{ID: "ok", Statuses: map[string]DeviceStatus{"dev-1": {Code: 200}}})
	idx.Put(Entry{ID: "failed", Statuses: map[string]DeviceStatus{"dev-1": {Code: 500}}})

	n := idx.Purge()
	if n != 1 {
		t.Fatalf("expected 1 entry purged, got %d", n)
	}
	if _, ok := idx.Get("ok"); !ok {
		t.Error("expected surviving ok entry to remain")
	}
	if _, ok := idx.Get("failed"); ok {
		t.Error("expected all-failed entry purged")
	}
}

func TestPurgeSkipsReservedEntries(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "index.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	idx.Put(Entry{ID: NetworkMapID})
	idx.Put(Entry{ID: LocalPeerID})

	idx.Purge()

	if _, ok := idx.Get(NetworkMapID); !ok {
		t.Error("expected network map entry to survive purge")
	}
	if _, ok := idx.Get(LocalPeerID); !ok {
		t.Error("expected local peer entry to survive purge")
	}
}

func TestIndexPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	idx1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	idx1.SetDebounce(time.Millisecond)
	idx1.Put(Entry{ID: "abc"})
	time.Sleep(20 * time.Millisecond)
	if err := idx1.Close(); err != nil {
		t.Fatal(err)
	}

	idx2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()
	if _, ok := idx2.Get("abc"); !ok {
		t.Fatal("expected entry to survive reopen")
	}
}

func TestCloseFlushesSynchronously(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	idx, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	idx.Put(Entry{ID: "abc"})
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	idx2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()
	if _, ok := idx2.Get("abc"); !ok {
		t.Fatal("expected Close to flush before returning")
	}
}
