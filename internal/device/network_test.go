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
	"net"
	"testing"
	"time"

	"github.com/meshstore/meshstore/internal/transport"
)

type noPeers struct{}

func (noPeers) PeerAddrs() []*net.UDPAddr { return nil }

func newRemote(t *testing.T) (*LocalDevice, *transport.Transport, *transport.ContentServer) {
	t.Helper()
	local, err := NewLocalDevice("remote", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tr, err := transport.New("remote", "127.0.0.1:0", noPeers{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	RegisterHandlers(tr, local)

	cs, err := transport.NewContentServer(local, func(ctx context.Context, item string, r io.Reader) error {
		st := local.Put(ctx, item, r)
		if st.Code != 200 {
			return errFromStatus(st)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	return local, tr, cs
}

type statusError struct{ st Status }

func (e statusError) Error() string { return e.st.Message }

func errFromStatus(st Status) error { return statusError{st} }

func TestNetworkDevicePutThenGet(t *testing.T) {
	remoteLocal, remoteTr, cs := newRemote(t)
	_ = remoteTr

	localTr, err := transport.New("local", "127.0.0.1:0", noPeers{})
	if err != nil {
		t.Fatal(err)
	}
	defer localTr.Close()

	nd, err := NewNetworkDevice("remote", "local", remoteTr.LocalAddr(), cs.Addr(), localTr)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st := nd.Put(ctx, "abc", bytes.NewBufferString("hello remote"))
	if st.Code != 200 {
		t.Fatalf("unexpected put status: %+v", st)
	}

	rc, err := nd.Get(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	bs, _ := io.ReadAll(rc)
	if string(bs) != "hello remote" {
		t.Fatalf("got %q", bs)
	}

	exists, err := nd.Exists(ctx, "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("expected remote to report item exists")
	}

	_ = remoteLocal
}

func TestNetworkDevicePing(t *testing.T) {
	_, remoteTr, _ := newRemote(t)

	localTr, err := transport.New("local", "127.0.0.1:0", noPeers{})
	if err != nil {
		t.Fatal(err)
	}
	defer localTr.Close()

	nd, err := NewNetworkDevice("remote", "local", remoteTr.LocalAddr(), "", localTr)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := nd.Ping(ctx); err != nil {
		t.Fatalf("expected ping to succeed: %v", err)
	}
}

func TestNetworkDeviceDelete(t *testing.T) {
	remoteLocal, remoteTr, cs := newRemote(t)

	localTr, err := transport.New("local", "127.0.0.1:0", noPeers{})
	if err != nil {
		t.Fatal(err)
	}
	defer localTr.Close()

	nd, err := NewNetworkDevice("remote", "local", remoteTr.LocalAddr(), cs.Addr(), localTr)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nd.Put(ctx, "abc", bytes.NewBufferString("x"))
	if err := nd.Delete(ctx, "abc"); err != nil {
		t.Fatal(err)
	}

	exists, _ := remoteLocal.Exists(ctx, "abc")
	if exists {
		t.Error("expected remote to have deleted the item")
	}
}
