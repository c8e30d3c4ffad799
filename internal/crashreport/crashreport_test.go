// Copyright (C) 2019 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package crashreport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWithEmptyDSNIsInert(t *testing.T) {
	r, err := New("", "v1.0.0")
	require.NoError(t, err)

	// Must not panic even though no client is configured.
	r.Report(errors.New("boom"), "item-1", "ns", "sync")
	r.Close()
}

func TestReportNilErrorIsNoop(t *testing.T) {
	r, err := New("", "v1.0.0")
	require.NoError(t, err)
	r.Report(nil, "item-1", "ns", "sync")
}
