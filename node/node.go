// Copyright 2025 The go-meshinfer Authors
// This file is part of the go-meshinfer library.
//
// The go-meshinfer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-meshinfer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-meshinfer library. If not, see <http://www.gnu.org/licenses/>.

// Package node assembles the control plane into one runnable process: the
// datadir, the stores, the registry, dispatcher, multiplexer and receipt
// chain, and the HTTP server they all hang off.
package node

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/meshinfer/go-meshinfer/dispatch"
	"github.com/meshinfer/go-meshinfer/internal/api"
	"github.com/meshinfer/go-meshinfer/jobstore"
	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/push"
	"github.com/meshinfer/go-meshinfer/receipts"
	"github.com/meshinfer/go-meshinfer/registry"
	"github.com/meshinfer/go-meshinfer/stream"
)

const shutdownGrace = 5 * time.Second

// Config configures a node. Zero durations fall back to the subsystem
// defaults.
type Config struct {
	// DataDir roots the job and receipt stores. Empty means fully in-memory.
	DataDir string

	HTTPHost string
	HTTPPort int

	// JWTSecret (hex) verifies user session tokens. When empty a random
	// secret is minted at startup; sessions then die with the process.
	JWTSecret string
	// OperatorToken guards worker registration.
	OperatorToken string

	CORSOrigins []string

	HeartbeatTTL     time.Duration
	SweepInterval    time.Duration
	StreamRetention  time.Duration
	StreamTimeout    time.Duration
	CumulativeCompat bool
}

// DefaultConfig is the starting point for the CLI.
var DefaultConfig = Config{
	HTTPHost: "127.0.0.1",
	HTTPPort: 8420,
}

// Node is the assembled control plane.
type Node struct {
	cfg Config
	log log.Logger

	dirLock *flock.Flock

	reg     *registry.Registry
	store   *jobstore.Store
	chain   *receipts.Chain
	streams *stream.Manager
	engine  *dispatch.Engine

	httpServer *http.Server
	listener   net.Listener
}

// New builds a node from its config. Start brings it live.
func New(cfg Config, logger log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Root()
	}
	n := &Node{cfg: cfg, log: logger}

	var err error
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("create datadir: %w", err)
		}
		n.dirLock = flock.New(filepath.Join(cfg.DataDir, "LOCK"))
		locked, err := n.dirLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock datadir: %w", err)
		}
		if !locked {
			return nil, errors.New("datadir already in use by another instance")
		}
		if n.store, err = jobstore.New(filepath.Join(cfg.DataDir, "jobs"), logger.New("db", "jobs")); err != nil {
			return nil, err
		}
		if n.chain, err = receipts.New(filepath.Join(cfg.DataDir, "receipts"), logger.New("db", "receipts")); err != nil {
			n.store.Close()
			return nil, err
		}
	} else {
		n.store = jobstore.NewMemory(logger.New("db", "jobs"))
		n.chain = receipts.NewMemory(logger.New("db", "receipts"))
	}

	n.reg = registry.New(registry.Config{
		HeartbeatTTL:  cfg.HeartbeatTTL,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger.New("module", "registry"),
	})
	n.streams = stream.NewManager(n.store, stream.Config{
		Retention:        cfg.StreamRetention,
		CumulativeCompat: cfg.CumulativeCompat,
		Logger:           logger.New("module", "stream"),
	})
	n.engine = dispatch.New(n.reg, n.store, n.streams, n.chain, logger.New("module", "dispatch"))
	pushSrv := push.NewServer(n.reg, n.streams, n.engine, logger.New("module", "push"))

	jwtSecret, err := n.sessionSecret()
	if err != nil {
		return nil, err
	}
	handlers := api.New(api.Config{
		Registry:      n.reg,
		Store:         n.store,
		Engine:        n.engine,
		Streams:       n.streams,
		Chain:         n.chain,
		Push:          pushSrv,
		JWTSecret:     jwtSecret,
		OperatorToken: cfg.OperatorToken,
		StreamTimeout: cfg.StreamTimeout,
		Logger:        logger.New("module", "api"),
	})

	var handler http.Handler = handlers.Router()
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"*"},
		}).Handler(handler)
	}
	n.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n, nil
}

func (n *Node) sessionSecret() ([]byte, error) {
	if n.cfg.JWTSecret != "" {
		secret, err := hex.DecodeString(n.cfg.JWTSecret)
		if err != nil || len(secret) < 32 {
			return nil, errors.New("jwt secret must be at least 32 hex-encoded bytes")
		}
		return secret, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	n.log.Warn("No session secret configured, minted an ephemeral one")
	return secret, nil
}

// Start opens the listener and brings the background loops up.
func (n *Node) Start() error {
	endpoint := net.JoinHostPort(n.cfg.HTTPHost, fmt.Sprintf("%d", n.cfg.HTTPPort))
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	n.listener = listener

	n.reg.Start()
	n.engine.Start()

	go func() {
		if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("HTTP server failed", "err", err)
		}
	}()
	n.log.Info("Control plane started", "endpoint", "http://"+listener.Addr().String())
	return nil
}

// Stop drains the HTTP server and tears the subsystems down.
func (n *Node) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.log.Warn("HTTP shutdown incomplete", "err", err)
	}
	n.engine.Stop()
	n.reg.Stop()

	var g errgroup.Group
	g.Go(n.store.Close)
	g.Go(n.chain.Close)
	err := g.Wait()

	if n.dirLock != nil {
		n.dirLock.Unlock()
	}
	n.log.Info("Control plane stopped")
	return err
}

// HTTPEndpoint returns the bound address once started.
func (n *Node) HTTPEndpoint() string {
	if n.listener == nil {
		return ""
	}
	return "http://" + n.listener.Addr().String()
}

// Registry exposes the worker registry, used by the CLI and tests.
func (n *Node) Registry() *registry.Registry { return n.reg }

// Receipts exposes the receipt chain.
func (n *Node) Receipts() *receipts.Chain { return n.chain }
