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

// Package api implements the control plane's HTTP surface: the signed
// worker endpoints, the user-facing streaming endpoints and the receipt
// reads.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	lru "github.com/hashicorp/golang-lru"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/meshinfer/go-meshinfer/auth"
	"github.com/meshinfer/go-meshinfer/dispatch"
	"github.com/meshinfer/go-meshinfer/jobstore"
	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/metrics"
	"github.com/meshinfer/go-meshinfer/push"
	"github.com/meshinfer/go-meshinfer/receipts"
	"github.com/meshinfer/go-meshinfer/registry"
	"github.com/meshinfer/go-meshinfer/stream"
)

// maxBodySize bounds any request body the API will read.
const maxBodySize = 8 << 20

// streamTimeout is the end-to-end ceiling on one chat stream. The subscriber
// gets a terminal timeout frame on expiry; the job itself keeps running.
const streamTimeout = 5 * time.Minute

// pollRate throttles GET /inference/poll per worker.
var pollRate = rate.Limit(10)

// pollLimiterCacheSize bounds the per-worker limiter set; the least recently
// polling workers age out.
const pollLimiterCacheSize = 1024

type contextKey string

const (
	workerKey contextKey = "worker"
	userKey   contextKey = "user"
)

// Config assembles the API over its collaborators.
type Config struct {
	Registry *registry.Registry
	Store    *jobstore.Store
	Engine   *dispatch.Engine
	Streams  *stream.Manager
	Chain    *receipts.Chain
	Push     *push.Server

	// JWTSecret verifies user session tokens (HS256, subject = user id).
	JWTSecret []byte
	// OperatorToken guards worker registration and revocation.
	OperatorToken string
	// StreamTimeout overrides the chat stream ceiling, for tests.
	StreamTimeout time.Duration

	Logger log.Logger
}

// API is the handler set.
type API struct {
	reg     *registry.Registry
	store   *jobstore.Store
	engine  *dispatch.Engine
	streams *stream.Manager
	chain   *receipts.Chain
	push    *push.Server

	jwtSecret     []byte
	operatorToken string
	streamTimeout time.Duration

	limiters *lru.Cache // worker id → *rate.Limiter

	log log.Logger
}

// New builds the API.
func New(cfg Config) *API {
	limiters, _ := lru.New(pollLimiterCacheSize)
	a := &API{
		reg:           cfg.Registry,
		store:         cfg.Store,
		engine:        cfg.Engine,
		streams:       cfg.Streams,
		chain:         cfg.Chain,
		push:          cfg.Push,
		jwtSecret:     cfg.JWTSecret,
		operatorToken: cfg.OperatorToken,
		streamTimeout: cfg.StreamTimeout,
		limiters:      limiters,
		log:           cfg.Logger,
	}
	if a.streamTimeout == 0 {
		a.streamTimeout = streamTimeout
	}
	if a.log == nil {
		a.log = log.Root()
	}
	return a
}

// Router assembles all routes.
func (a *API) Router() http.Handler {
	mux := httprouter.New()

	// Worker surface, HMAC-signed.
	mux.Handler(http.MethodPost, "/nodes/heartbeat", a.workerAuth(a.handleHeartbeat))
	mux.Handler(http.MethodGet, "/inference/poll", a.workerAuth(a.handlePoll))
	mux.Handler(http.MethodPost, "/inference/complete", a.workerAuth(a.handleComplete))
	mux.Handler(http.MethodPost, "/inference/stream", a.workerAuth(a.handleStreamFrame))

	// Worker push channel; authenticates itself with a one-time token.
	if a.push != nil {
		mux.Handler(http.MethodGet, "/nodes/ws", a.push)
	}

	// Operator surface.
	mux.Handler(http.MethodPost, "/nodes/register", a.operatorAuth(a.handleRegister))
	mux.Handler(http.MethodDelete, "/nodes/:id", a.operatorAuth(a.handleUnregister))

	// User surface, JWT-authenticated.
	mux.Handler(http.MethodPost, "/chat/stream", a.userAuth(a.handleChatStream))
	mux.Handler(http.MethodGet, "/chat/subscribe", a.userAuthQuery(a.handleChatSubscribe))
	mux.Handler(http.MethodGet, "/inference/delta", a.userAuth(a.handleDelta))
	mux.Handler(http.MethodGet, "/receipts", a.userAuth(a.handleReceipts))
	mux.Handler(http.MethodGet, "/receipts/verify", a.userAuth(a.handleReceiptsVerify))

	mux.Handler(http.MethodGet, "/debug/metrics/prometheus", metrics.Handler())
	return mux
}

// workerAuth verifies the HMAC headers of the worker protocol and stashes
// the worker id in the request context. The body is re-buffered for the
// handler.
func (a *API) workerAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed_body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		id := r.Header.Get(auth.HeaderNodeID)
		ts := r.Header.Get(auth.HeaderTimestamp)
		sig := r.Header.Get(auth.HeaderSignature)
		if err := auth.Verify(a.reg, id, ts, sig, body, time.Now()); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), workerKey, id)
		next(w, r.WithContext(ctx))
	})
}

// operatorAuth guards the registration surface with the configured token.
func (a *API) operatorAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if a.operatorToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(a.operatorToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// userAuth validates the session JWT from the Authorization header.
func (a *API) userAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.validateUserToken(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// userAuthQuery is userAuth for endpoints that cannot carry headers, such as
// websocket dials; the token rides in the query string.
func (a *API) userAuthQuery(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}
		user, err := a.validateUserToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (a *API) validateUserToken(token string) (string, error) {
	if token == "" {
		return "", auth.ErrUnauthorized
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, auth.ErrUnauthorized
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", auth.ErrUnauthorized
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", auth.ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", auth.ErrUnauthorized
	}
	return sub, nil
}

// pollLimiter returns the per-worker poll throttle.
func (a *API) pollLimiter(worker string) *rate.Limiter {
	if cached, ok := a.limiters.Get(worker); ok {
		return cached.(*rate.Limiter)
	}
	l := rate.NewLimiter(pollRate, 20)
	a.limiters.Add(worker, l)
	return l
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func workerFrom(r *http.Request) string {
	id, _ := r.Context().Value(workerKey).(string)
	return id
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error    string `json:"error"`
	Expected *int   `json:"expected,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}
