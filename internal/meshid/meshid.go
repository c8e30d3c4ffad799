// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package meshid computes the content-addressed identifiers used to name
// items in the store.
package meshid

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Sum returns the lowercase hex-encoded SHA-256 digest of content, optionally
// suffixed with "_"+namespace. The namespace is never hashed; it only
// disambiguates otherwise-identical content stored under different
// namespaces.
func Sum(content []byte, namespace string) string {
	sum := sha256.Sum256(content)
	id := hex.EncodeToString(sum[:])
	if namespace != "" {
		id += "_" + namespace
	}
	return id
}

// SumReader hashes r as it is consumed and returns the resulting id. Callers
// that need both the id and the bytes themselves should tee r to a spool
// first; SumReader does not retain what it reads.
func SumReader(r io.Reader, namespace string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	id := hex.EncodeToString(h.Sum(nil))
	if namespace != "" {
		id += "_" + namespace
	}
	return id, nil
}

// Namespace splits a previously computed id back into its content digest and
// namespace suffix, if any. The returned namespace is empty if id carries
// none.
func Namespace(id string) (digest, namespace string) {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}
