// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshstore/meshstore/internal/config"
)

func testConfig(t *testing.T, baseDir string) config.Configuration {
	t.Helper()
	cfg := config.Default(baseDir)
	cfg.Gateway.Enabled = false
	cfg.Devices = []config.DeviceConfiguration{
		{ID: "a", Kind: config.DeviceLocal, Path: "device-a"},
		{ID: "b", Kind: config.DeviceLocal, Path: "device-b"},
	}
	return cfg
}

func TestSaveGetRmRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	cfg := testConfig(t, baseDir)

	n, err := buildNode(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	content := []byte("hello, mesh")
	id, err := n.store.Save(context.Background(), bytes.NewReader(content), "", map[string]interface{}{"name": "t"})
	if err != nil {
		t.Fatal(err)
	}

	r, err := n.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}

	if err := n.store.Delete(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	for _, devDir := range []string{"device-a", "device-b"} {
		entries, err := os.ReadDir(filepath.Join(baseDir, devDir))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected %s to be empty after delete, found %v", devDir, entries)
		}
	}
}

func TestBuildNodeRejectsUnresolvableNetworkAddress(t *testing.T) {
	baseDir := t.TempDir()
	cfg := config.Default(baseDir)
	cfg.Devices = []config.DeviceConfiguration{
		{ID: "remote", Kind: config.DeviceNetwork, Address: "not-a-valid-address"},
	}

	if _, err := buildNode(cfg); err == nil {
		t.Fatal("expected buildNode to fail resolving an invalid network device address, got nil")
	}
}
