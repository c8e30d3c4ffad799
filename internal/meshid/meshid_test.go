// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package meshid

import (
	"strings"
	"testing"
)

func TestSumNoNamespace(t *testing.T) {
	id := Sum([]byte("hello world"), "")
	if len(id) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars: %s", len(id), id)
	}
	if strings.Contains(id, "_") {
		t.Fatalf("unexpected namespace suffix in %s", id)
	}
}

func TestSumWithNamespace(t *testing.T) {
	id := Sum([]byte("hello world"), "photos")
	digest, ns := Namespace(id)
	if ns != "photos" {
		t.Fatalf("expected namespace photos, got %s", ns)
	}
	if len(digest) != 64 {
		t.Fatalf("expected 64-char digest, got %d", len(digest))
	}
}

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("same content"), "ns")
	b := Sum([]byte("same content"), "ns")
	if a != b {
		t.Fatalf("expected deterministic id, got %s != %s", a, b)
	}
}

func TestSumDiffersByNamespace(t *testing.T) {
	a := Sum([]byte("same content"), "ns1")
	b := Sum([]byte("same content"), "ns2")
	if a == b {
		t.Fatalf("expected ids to differ across namespaces")
	}
	da, _ := Namespace(a)
	db, _ := Namespace(b)
	if da != db {
		t.Fatalf("expected identical digest across namespaces, got %s != %s", da, db)
	}
}

func TestSumReaderMatchesSum(t *testing.T) {
	content := []byte("streamed content")
	want := Sum(content, "ns")
	got, err := SumReader(strings.NewReader(string(content)), "ns")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("SumReader() = %s, want %s", got, want)
	}
}
