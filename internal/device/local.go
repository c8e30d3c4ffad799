// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshstore/meshstore/internal/osutil"
)

// LocalDevice stores item content as one file per item id directly under a
// root directory, using the same atomic-write idiom the rest of this module
// relies on for durable file updates.
type LocalDevice struct {
	id   string
	root string
}

// NewLocalDevice opens (creating if necessary) a content-addressed store
// rooted at dir.
func NewLocalDevice(id, dir string) (*LocalDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalDevice{id: id, root: dir}, nil
}

func (d *LocalDevice) ID() string { return d.id }

func (d *LocalDevice) pathFor(id string) string {
	return filepath.Join(d.root, sanitize(id))
}

func (d *LocalDevice) Put(_ context.Context, id string, r io.Reader) Status {
	w, err := osutil.CreateAtomic(d.pathFor(id), 0o644)
	if err != nil {
		return Err(500, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return Err(500, err)
	}
	if err := w.Close(); err != nil {
		return Err(500, err)
	}
	if debug {
		l.Debugln("device: local put", id)
	}
	return OK()
}

func (d *LocalDevice) Get(_ context.Context, id string) (io.ReadCloser, error) {
	fd, err := os.Open(d.pathFor(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return fd, err
}

// Open implements transport.ContentFetcher so a LocalDevice can back a
// content server directly.
func (d *LocalDevice) Open(id string) (io.ReadCloser, error) {
	return d.Get(context.Background(), id)
}

func (d *LocalDevice) Exists(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(d.pathFor(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (d *LocalDevice) Delete(_ context.Context, id string) error {
	err := os.Remove(d.pathFor(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *LocalDevice) Ping(context.Context) error {
	_, err := os.Stat(d.root)
	return err
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		default:
			return r
		}
	}, id)
}
