// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshstore/meshstore/internal/config"
	"github.com/meshstore/meshstore/internal/crashreport"
)

// loadConfig reads c.Config, falling back to defaults rooted at c.BaseDir
// (or the current directory) when no config file exists yet.
func (c *cli) loadConfig() (config.Configuration, error) {
	baseDir := c.BaseDir
	if baseDir == "" {
		baseDir = "."
	}
	return config.Load(c.Config, baseDir)
}

type serveCmd struct {
	SentryDSN string `name:"sentry-dsn" help:"Optional Sentry-compatible DSN for fatal-error reporting." env:"MESHSTORE_SENTRY_DSN"`
}

func (s *serveCmd) Run(c *cli) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	reporter, err := crashreport.New(s.SentryDSN, Version)
	if err != nil {
		return fmt.Errorf("starting crash reporter: %w", err)
	}
	defer reporter.Close()

	logHandler := n.store.ErrorHandler
	n.store.ErrorHandler = func(err error, itemID, namespace, kind string) {
		if logHandler != nil {
			logHandler(err, itemID, namespace, kind)
		}
		reporter.Report(err, itemID, namespace, kind)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l.Infoln("meshstore node serving, base dir", cfg.BaseDir)
	if err := n.sup.Serve(ctx); err != nil {
		reporter.Report(err, "", "", "serve")
		return err
	}
	return nil
}

type saveCmd struct {
	Namespace string   `help:"Namespace suffix applied to the resulting item id." default:""`
	Metadata  string   `help:"Optional JSON object attached to each item as its frozen metadata." default:""`
	Files     []string `arg:"" help:"Files to hash and replicate." type:"existingfile"`
}

func (s *saveCmd) Run(c *cli) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var metadata interface{}
	if s.Metadata != "" {
		if err := json.Unmarshal([]byte(s.Metadata), &metadata); err != nil {
			return fmt.Errorf("parsing metadata: %w", err)
		}
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx := context.Background()
	for _, path := range s.Files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		id, err := n.store.Save(ctx, f, s.Namespace, metadata)
		f.Close()
		if err != nil {
			return fmt.Errorf("saving %s: %w", path, err)
		}
		fmt.Printf("%s\t%s\n", id, path)
	}
	return nil
}

type getCmd struct {
	ID     string `arg:"" help:"Item id to fetch."`
	Output string `arg:"" help:"File to write the item content to."`
}

func (g *getCmd) Run(c *cli) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	r, err := n.store.Get(context.Background(), g.ID)
	if err != nil {
		return fmt.Errorf("getting %s: %w", g.ID, err)
	}
	defer r.Close()

	out, err := os.Create(g.Output)
	if err != nil {
		return fmt.Errorf("creating %s: %w", g.Output, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("writing %s: %w", g.Output, err)
	}
	return nil
}

type rmCmd struct {
	ID string `arg:"" help:"Item id to delete."`
}

func (r *rmCmd) Run(c *cli) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	return n.store.Delete(context.Background(), r.ID)
}
