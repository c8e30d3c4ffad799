// Copyright (C) 2019 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crashreport is an optional sidechannel that forwards fatal
// DataStore errors to a Sentry-compatible endpoint. It is never the primary
// error-notification path: the DataStore error handler is that, and this
// subscribes alongside it.
package crashreport

import (
	"fmt"
	"sync"

	raven "github.com/getsentry/raven-go"

	"github.com/meshstore/meshstore/internal/logutil"
)

var (
	debug = logutil.EnvDebug("crashreport")
	l     = logutil.DefaultLogger
)

// Reporter sends fatal errors to a Sentry DSN. The zero value with no DSN
// configured is inert: Report becomes a no-op, so wiring a Reporter in is
// always safe even when no DSN is set.
type Reporter struct {
	version string

	mu     sync.Mutex
	client *raven.Client
}

// New builds a Reporter for dsn (empty disables reporting) tagged with
// version, which is attached to every report as the "version" tag.
func New(dsn, version string) (*Reporter, error) {
	r := &Reporter{version: version}
	if dsn == "" {
		return r, nil
	}
	cli, err := raven.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("crashreport: %w", err)
	}
	r.client = cli
	return r, nil
}

// Report forwards err to Sentry, tagged with itemID/namespace/kind so
// crashes can be correlated back to the operation that triggered them. It
// never blocks the caller on network I/O longer than the raven client's own
// internal queue allows, and any failure to report is only logged, never
// returned, since the crash reporter must not itself become a source of
// fatal errors.
func (r *Reporter) Report(err error, itemID, namespace, kind string) {
	r.mu.Lock()
	cli := r.client
	r.mu.Unlock()
	if cli == nil || err == nil {
		return
	}

	pkt := raven.NewPacket(err.Error(),
		raven.NewException(err, raven.NewStacktrace(1, 3, nil)),
	)
	pkt.Tags = append(pkt.Tags,
		raven.Tag{Key: "version", Value: r.version},
		raven.Tag{Key: "kind", Value: kind},
		raven.Tag{Key: "namespace", Value: namespace},
	)
	pkt.Extra = raven.Extra{"itemID": itemID}

	eventID, ch := cli.Capture(pkt, nil)
	go func() {
		if sendErr := <-ch; sendErr != nil && debug {
			l.Debugln("crashreport: sending", eventID, "failed:", sendErr)
		}
	}()
}

// Close flushes any in-flight reports, waiting up to the raven client's own
// timeout.
func (r *Reporter) Close() {
	r.mu.Lock()
	cli := r.client
	r.mu.Unlock()
	if cli != nil {
		cli.Wait()
	}
}
