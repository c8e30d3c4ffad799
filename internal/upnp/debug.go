// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package upnp

import "github.com/meshstore/meshstore/internal/logutil"

var (
	debug = logutil.EnvDebug("upnp")
	l     = logutil.DefaultLogger
)
