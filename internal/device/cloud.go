// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package device

import (
	"context"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// CloudDevice replicates to an object-storage bucket reached through
// gocloud.dev's blob abstraction. The bucket URL scheme (s3://, gs://,
// azblob://) selects the concrete driver; this device does not otherwise
// care which cloud it's talking to. Like every other device kind, cloud
// devices are configured explicitly in the device list.
type CloudDevice struct {
	id     string
	bucket *blob.Bucket
	prefix string
}

// NewCloudDevice opens the bucket addressed by bucketURL (e.g.
// "s3://my-bucket?region=us-east-1"). prefix, if non-empty, is prepended to
// every item id to scope this device to a subdirectory of the bucket.
func NewCloudDevice(ctx context.Context, id, bucketURL, prefix string) (*CloudDevice, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &CloudDevice{id: id, bucket: bucket, prefix: prefix}, nil
}

func (d *CloudDevice) ID() string { return d.id }

func (d *CloudDevice) key(id string) string {
	if d.prefix == "" {
		return id
	}
	return d.prefix + "/" + id
}

func (d *CloudDevice) Put(ctx context.Context, id string, r io.Reader) Status {
	w, err := d.bucket.NewWriter(ctx, d.key(id), nil)
	if err != nil {
		return Err(500, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return Err(500, err)
	}
	if err := w.Close(); err != nil {
		return Err(500, err)
	}
	if debug {
		l.Debugln("device: cloud put", id, "to", d.id)
	}
	return OK()
}

func (d *CloudDevice) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	r, err := d.bucket.NewReader(ctx, d.key(id), nil)
	if err != nil {
		if d.bucket.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (d *CloudDevice) Exists(ctx context.Context, id string) (bool, error) {
	return d.bucket.Exists(ctx, d.key(id))
}

func (d *CloudDevice) Delete(ctx context.Context, id string) error {
	err := d.bucket.Delete(ctx, d.key(id))
	if err != nil && d.bucket.IsNotExist(err) {
		return nil
	}
	return err
}

// Ping verifies the bucket is reachable by listing at most one key.
func (d *CloudDevice) Ping(ctx context.Context) error {
	iter := d.bucket.List(&blob.ListOptions{Prefix: d.prefix})
	_, err := iter.Next(ctx)
	if err == io.EOF {
		return nil
	}
	return err
}

// Close releases the underlying bucket connection.
func (d *CloudDevice) Close() error {
	return d.bucket.Close()
}
