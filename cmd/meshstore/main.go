// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Command meshstore is a demo process that wires together the pieces
// described across internal/: a content-addressed store replicated over
// local, network, and cloud devices, an optionally gossiped index, and an
// optional uPnP/NAT-PMP/STUN gateway for reachability from outside the LAN.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/calmh/incontainer"
	"github.com/posener/complete"
	"github.com/willabides/kongplete"

	"github.com/meshstore/meshstore/internal/logutil"
	_ "github.com/meshstore/meshstore/lib/automaxprocs"
)

// Version is overridden at build time via -ldflags.
var Version = "unknown-dev"

var (
	debug = logutil.EnvDebug("main")
	l     = logutil.DefaultLogger
)

// cli is the top-level command set. Config and BaseDir are read by every
// subcommand via loadConfig, mirroring the base-directory-plus-files process
// surface this started from, generalized to real subcommands instead of a
// fixed argument list.
type cli struct {
	Config  string `name:"config" help:"Path to the YAML configuration file." default:"config.yaml"`
	BaseDir string `name:"base-dir" help:"Base directory for index, peer roster, and local content, if not set in the config file." type:"path"`

	Serve              serveCmd                     `cmd:"" help:"Run as a long-lived mesh node."`
	Save               saveCmd                      `cmd:"" help:"Hash and replicate one or more files, printing their item ids."`
	Get                getCmd                       `cmd:"" help:"Fetch an item by id and write it to a file."`
	Rm                 rmCmd                        `cmd:"" help:"Delete an item by id."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func main() {
	var c cli
	parser := kong.Must(&c,
		kong.Name("meshstore"),
		kong.Description("A content-addressed, multi-device replicating data store."),
		kong.UsageOnError(),
	)

	kongplete.Complete(parser,
		kongplete.WithPredictor("file", complete.PredictFiles("*")),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if debug {
		l.Debugln("starting up, container:", incontainer.Detect())
	}

	if err := kctx.Run(&c); err != nil {
		fmt.Fprintln(os.Stderr, "meshstore:", err)
		os.Exit(1)
	}
}
