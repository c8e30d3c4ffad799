// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

// Package swarm maintains the roster of known peers, persisted one file per
// peer so a join/leave never requires rewriting the whole roster.
package swarm

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshstore/meshstore/internal/events"
	"github.com/meshstore/meshstore/internal/logutil"
	"github.com/meshstore/meshstore/internal/osutil"
	"github.com/meshstore/meshstore/internal/syncutil"
)

var (
	debug = logutil.EnvDebug("swarm")
	l     = logutil.DefaultLogger
)

// LocalID is the reserved peer id under which this process's own address is
// recorded, mirroring the reserved __local__ entry the distributed index
// also uses for its local peer record.
const LocalID = "__local__"

const filePrefix = "peer_"

// Node describes one peer's reachable addresses.
type Node struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`     // datagram transport host:port
	ContentAddr string    `json:"contentAddr"` // HTTP content-server host:port
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Swarm is the on-disk, file-per-peer roster of known nodes.
type Swarm struct {
	dir   string
	mu    syncutil.RWMutex
	nodes map[string]Node
}

// Open loads the roster persisted under dir, creating dir if necessary.
func Open(dir string) (*Swarm, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Swarm{
		dir:   dir,
		mu:    syncutil.NewRWMutex(),
		nodes: make(map[string]Node),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Swarm) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		bs, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			if debug {
				l.Debugln("swarm: read", e.Name(), ":", err)
			}
			continue
		}
		var n Node
		if err := json.Unmarshal(bs, &n); err != nil {
			if debug {
				l.Debugln("swarm: decode", e.Name(), ":", err)
			}
			continue
		}
		s.nodes[n.ID] = n
	}
	return nil
}

// Join always upserts: whether id is new or already known, its record is
// created or replaced wholesale with the given addresses.
func (s *Swarm) Join(id, address, contentAddr string) (Node, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := Node{
		ID:          id,
		Address:     address,
		ContentAddr: contentAddr,
		JoinedAt:    now,
		LastSeen:    now,
	}
	if existing, ok := s.nodes[id]; ok {
		n.JoinedAt = existing.JoinedAt
	}

	if err := s.persist(n); err != nil {
		return Node{}, err
	}
	s.nodes[id] = n
	if id != LocalID {
		events.Default.Log(events.PeerJoined, map[string]interface{}{"id": id, "address": address})
	}
	if debug {
		l.Debugln("swarm: joined", id, "at", address)
	}
	return n, nil
}

// Leave removes id from the roster.
func (s *Swarm) Leave(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, id)
	path := s.pathFor(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	events.Default.Log(events.PeerLeft, map[string]interface{}{"id": id})
	if debug {
		l.Debugln("swarm: left", id)
	}
	return nil
}

// UpdateLocalNode records this process's own reachable addresses under the
// reserved local id. It stores the addresses it is given as they are; it
// does not consult the gateway for an external address.
func (s *Swarm) UpdateLocalNode(address, contentAddr string) (Node, error) {
	return s.Join(LocalID, address, contentAddr)
}

// LocalNode returns the reserved local peer entry, if one has been recorded.
func (s *Swarm) LocalNode() (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[LocalID]
	return n, ok
}

// Peers returns every known node excluding the reserved local entry.
func (s *Swarm) Peers() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for id, n := range s.nodes {
		if id == LocalID {
			continue
		}
		out = append(out, n)
	}
	return out
}

// PeerAddrs resolves every known peer's datagram address, satisfying
// transport's peerLister interface. Unresolvable addresses are skipped.
func (s *Swarm) PeerAddrs() []*net.UDPAddr {
	peers := s.Peers()
	out := make([]*net.UDPAddr, 0, len(peers))
	for _, n := range peers {
		addr, err := net.ResolveUDPAddr("udp", n.Address)
		if err != nil {
			if debug {
				l.Debugln("swarm: resolve", n.Address, ":", err)
			}
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (s *Swarm) pathFor(id string) string {
	return filepath.Join(s.dir, filePrefix+sanitize(id)+".json")
}

func (s *Swarm) persist(n Node) error {
	path := s.pathFor(n.ID)
	w, err := osutil.CreateAtomic(path, 0o644)
	if err != nil {
		return err
	}
	bs, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return err
	}
	if _, err := w.Write(bs); err != nil {
		return err
	}
	return w.Close()
}

// sanitize keeps peer ids that contain path separators (e.g. device ids
// minted elsewhere) from escaping the roster directory.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.':
			return '_'
		default:
			return r
		}
	}, id)
}

var _ fmt.Stringer = Node{}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Address)
}
