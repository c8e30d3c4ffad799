// Copyright (C) 2014 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads the static bootstrap configuration: base directory,
// device list, gateway and transport timeouts, and the index flush window.
// Peers and items discovered or joined at runtime live in index.json and
// peers/, not here; this file is read once at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceKind selects which device.Device implementation a DeviceConfiguration
// entry resolves to.
type DeviceKind string

const (
	DeviceLocal   DeviceKind = "local"
	DeviceNetwork DeviceKind = "network"
	DeviceCloud   DeviceKind = "cloud"
)

// DeviceConfiguration describes one replication target.
type DeviceConfiguration struct {
	ID   string     `yaml:"id"`
	Kind DeviceKind `yaml:"kind"`

	// Local
	Path string `yaml:"path,omitempty"`

	// Network
	Address        string `yaml:"address,omitempty"`
	ContentAddress string `yaml:"contentAddress,omitempty"`

	// Cloud
	BucketURL string `yaml:"bucketURL,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// GatewayConfiguration controls uPnP/NAT-PMP/STUN gateway discovery.
type GatewayConfiguration struct {
	Enabled         bool          `yaml:"enabled"`
	SearchTimeout   time.Duration `yaml:"searchTimeout"`
	SOAPTimeout     time.Duration `yaml:"soapTimeout"`
	LeaseDuration   time.Duration `yaml:"leaseDuration"`
	RenewalInterval time.Duration `yaml:"renewalInterval"`
}

// TransportConfiguration controls the peer datagram transport.
type TransportConfiguration struct {
	ListenAddress     string        `yaml:"listenAddress"`
	SendAckTimeout    time.Duration `yaml:"sendAckTimeout"`
	BroadcastTimeout  time.Duration `yaml:"broadcastTimeout"`
	ContentListenAddr string        `yaml:"contentListenAddress,omitempty"`
}

// IndexConfiguration controls the local index's write coalescing.
type IndexConfiguration struct {
	FlushDebounce time.Duration `yaml:"flushDebounce"`
}

// Configuration is the top-level static config, loaded once from
// config.yaml at startup.
type Configuration struct {
	BaseDir   string                `yaml:"baseDir"`
	Devices   []DeviceConfiguration `yaml:"devices"`
	Gateway   GatewayConfiguration  `yaml:"gateway"`
	Transport TransportConfiguration `yaml:"transport"`
	Index     IndexConfiguration    `yaml:"index"`
}

// Default returns the configuration used when no config.yaml is present,
// mirroring the teacher's pattern of shipping sane zero-config defaults
// (lib/config's OptionsConfiguration defaults) rather than failing startup.
func Default(baseDir string) Configuration {
	return Configuration{
		BaseDir: baseDir,
		Gateway: GatewayConfiguration{
			Enabled:         true,
			SearchTimeout:   3 * time.Second,
			SOAPTimeout:     10 * time.Second,
			LeaseDuration:   60 * time.Minute,
			RenewalInterval: 30 * time.Minute,
		},
		Transport: TransportConfiguration{
			ListenAddress:    "0.0.0.0:0",
			SendAckTimeout:   6 * time.Second,
			BroadcastTimeout: 10 * time.Second,
		},
		Index: IndexConfiguration{
			FlushDebounce: 50 * time.Millisecond,
		},
	}
}

// Load reads and parses the YAML configuration at path, filling in defaults
// for anything the file omits. A missing file is not an error: Default(
// baseDir) is returned instead, matching the teacher's "no config file yet"
// first-run behavior.
func Load(path, baseDir string) (Configuration, error) {
	cfg := Default(baseDir)

	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = baseDir
	}
	if err := cfg.validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the file if necessary.
func Save(path string, cfg Configuration) error {
	bs, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(path, bs, 0o644)
}

func (c Configuration) validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("config: baseDir is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("config: device entry missing id")
		}
		if seen[d.ID] {
			return fmt.Errorf("config: duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		switch d.Kind {
		case DeviceLocal:
			if d.Path == "" {
				return fmt.Errorf("config: device %q: local device requires path", d.ID)
			}
		case DeviceNetwork:
			if d.Address == "" {
				return fmt.Errorf("config: device %q: network device requires address", d.ID)
			}
		case DeviceCloud:
			if d.BucketURL == "" {
				return fmt.Errorf("config: device %q: cloud device requires bucketURL", d.ID)
			}
		default:
			return fmt.Errorf("config: device %q: unknown kind %q", d.ID, d.Kind)
		}
	}
	return nil
}
