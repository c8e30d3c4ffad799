// Copyright (C) 2015 The Meshstore Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

const (
	contentPortRangeLow  = 1024
	contentPortRangeHigh = 13024
)

// ContentFetcher opens the bytes for a locally held item, keyed by item id.
// The local device implementation satisfies this.
type ContentFetcher interface {
	Open(item string) (io.ReadCloser, error)
}

// ContentServer is the HTTP side-channel used for bulk content transfer,
// addressed by the Target and Item headers rather than by URL path. It
// complements the datagram channel, which only ever carries control
// messages and small metadata.
type ContentServer struct {
	fetcher  ContentFetcher
	receiver func(ctx context.Context, item string, r io.Reader) error
	srv      *http.Server
	addr     string
}

// NewContentServer starts listening on a random port in
// [contentPortRangeLow, contentPortRangeHigh) and serves item bytes from
// fetcher. receiver, if non-nil, handles PUT uploads pushed by peers; pass
// nil for a read-only content server.
func NewContentServer(fetcher ContentFetcher, receiver func(ctx context.Context, item string, r io.Reader) error) (*ContentServer, error) {
	router := httprouter.New()
	cs := &ContentServer{fetcher: fetcher, receiver: receiver}
	router.GET("/content", cs.serveContent)
	router.PUT("/content", cs.receiveContent)

	var ln net.Listener
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		port := contentPortRangeLow + rand.Intn(contentPortRangeHigh-contentPortRangeLow)
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("transport: could not bind content server: %w", err)
	}

	cs.addr = ln.Addr().String()
	cs.srv = &http.Server{
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go cs.srv.Serve(ln)
	return cs, nil
}

// Addr returns the bound "host:port" of the content server.
func (cs *ContentServer) Addr() string {
	return cs.addr
}

// Close shuts the content server down.
func (cs *ContentServer) Close() error {
	return cs.srv.Close()
}

func (cs *ContentServer) serveContent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	item := r.Header.Get("Item")
	if item == "" {
		http.Error(w, "missing Item header", http.StatusBadRequest)
		return
	}
	rc, err := cs.fetcher.Open(item)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil && debug {
		l.Debugln("transport: content copy to", r.RemoteAddr, "failed:", err)
	}
}

func (cs *ContentServer) receiveContent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	item := r.Header.Get("Item")
	if item == "" {
		http.Error(w, "missing Item header", http.StatusBadRequest)
		return
	}
	if cs.receiver == nil {
		http.Error(w, "content server is read-only", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	if err := cs.receiver(r.Context(), item, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// FetchContent retrieves item's bytes from the content server at addr
// (host:port), identifying the request with Target/Item headers as the wire
// contract requires.
func FetchContent(ctx context.Context, addr, target, item string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Target", target)
	req.Header.Set("Item", item)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: fetch %s from %s: status %s", item, addr, resp.Status)
	}
	return resp.Body, nil
}

// PushContent uploads item's bytes from r to the content server at addr,
// identifying the request with Target/Item headers as the wire contract
// requires.
func PushContent(ctx context.Context, addr, target, item string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://"+addr+"/content", r)
	if err != nil {
		return err
	}
	req.Header.Set("Target", target)
	req.Header.Set("Item", item)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: push %s to %s: status %s", item, addr, resp.Status)
	}
	return nil
}
