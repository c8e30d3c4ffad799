// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestLocalDevicePutGet(t *testing.T) {
	d, err := NewLocalDevice("local", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	st := d.Put(ctx, "abc", bytes.NewBufferString("hello"))
	if st.Code != 200 {
		t.Fatalf("unexpected put status: %+v", st)
	}

	rc, err := d.Get(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	bs, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "hello" {
		t.Fatalf("got %q", bs)
	}
}

func TestLocalDeviceExists(t *testing.T) {
	d, err := NewLocalDevice("local", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if ok, _ := d.Exists(ctx, "missing"); ok {
		t.Error("expected missing item to not exist")
	}

	d.Put(ctx, "abc", bytes.NewBufferString("x"))
	if ok, err := d.Exists(ctx, "abc"); err != nil || !ok {
		t.Errorf("expected abc to exist, ok=%v err=%v", ok, err)
	}
}

func TestLocalDeviceGetMissing(t *testing.T) {
	d, err := NewLocalDevice("local", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalDeviceDelete(t *testing.T) {
	d, err := NewLocalDevice("local", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	d.Put(ctx, "abc", bytes.NewBufferString("x"))
	if err := d.Delete(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.Exists(ctx, "abc"); ok {
		t.Error("expected deleted item to no longer exist")
	}
	// Deleting again should be a no-op, not an error.
	if err := d.Delete(ctx, "abc"); err != nil {
		t.Fatalf("expected repeat delete to be a no-op, got %v", err)
	}
}

func TestLocalDeviceOpenSatisfiesContentFetcher(t *testing.T) {
	d, err := NewLocalDevice("local", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d.Put(context.Background(), "abc", bytes.NewBufferString("payload"))

	rc, err := d.Open("abc")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	bs, _ := io.ReadAll(rc)
	if string(bs) != "payload" {
		t.Fatalf("got %q", bs)
	}
}
