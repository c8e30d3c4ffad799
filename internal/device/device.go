// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package device implements the storage backends an item can be replicated
// to: a local on-disk device, a remote peer reached over the network, and a
// cloud object-storage device.
package device

import (
	"context"
	"fmt"
	"io"

	"github.com/meshstore/meshstore/internal/logutil"
)

var (
	debug = logutil.EnvDebug("device")
	l     = logutil.DefaultLogger
)

// Status is the documented {code, message} result of a put against one
// device, modeled on plain HTTP status semantics so 200 means success.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OK builds a successful Status.
func OK() Status { return Status{Code: 200, Message: "ok"} }

// Err builds a failure Status from code and err.
func Err(code int, err error) Status {
	msg := "error"
	if err != nil {
		msg = err.Error()
	}
	return Status{Code: code, Message: msg}
}

// Device is the replication target contract every backend implements:
// content-addressed put/get/exists plus a liveness ping.
type Device interface {
	ID() string
	Put(ctx context.Context, id string, r io.Reader) Status
	Get(ctx context.Context, id string) (io.ReadCloser, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// ErrNotFound is returned by Get when the item id is unknown to the device.
// Deleting an unknown id is not an error.
var ErrNotFound = fmt.Errorf("device: item not found")
