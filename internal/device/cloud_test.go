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

	_ "gocloud.dev/blob/memblob"
)

func TestCloudDevicePutGet(t *testing.T) {
	ctx := context.Background()
	d, err := NewCloudDevice(ctx, "cloud-1", "mem://", "")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	st := d.Put(ctx, "abc", bytes.NewBufferString("hello cloud"))
	if st.Code != 200 {
		t.Fatalf("unexpected status: %+v", st)
	}

	rc, err := d.Get(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	bs, _ := io.ReadAll(rc)
	if string(bs) != "hello cloud" {
		t.Fatalf("got %q", bs)
	}
}

func TestCloudDeviceExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	d, err := NewCloudDevice(ctx, "cloud-1", "mem://", "")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if ok, _ := d.Exists(ctx, "abc"); ok {
		t.Error("expected missing item to not exist")
	}

	d.Put(ctx, "abc", bytes.NewBufferString("x"))
	if ok, err := d.Exists(ctx, "abc"); err != nil || !ok {
		t.Errorf("expected item to exist, ok=%v err=%v", ok, err)
	}

	if err := d.Delete(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.Exists(ctx, "abc"); ok {
		t.Error("expected deleted item to no longer exist")
	}
}

func TestCloudDevicePrefix(t *testing.T) {
	ctx := context.Background()
	d, err := NewCloudDevice(ctx, "cloud-1", "mem://", "items")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	d.Put(ctx, "abc", bytes.NewBufferString("x"))
	if d.key("abc") != "items/abc" {
		t.Errorf("expected prefixed key, got %s", d.key("abc"))
	}
}
