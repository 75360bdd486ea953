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

// Package registry tracks the worker population: identity and secrets,
// declared models, liveness and the idle/busy split the dispatcher selects
// over.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/event"
	"github.com/meshinfer/go-meshinfer/log"
)

const (
	// heartbeatTTL is how long a worker stays live after its last heartbeat.
	heartbeatTTL = 120 * time.Second

	// sweepInterval is the cadence of the staleness sweep.
	sweepInterval = 5 * time.Second

	// secretBytes is the entropy of a minted worker secret.
	secretBytes = 32

	// eventChanSize is the buffer suggested to event subscribers.
	eventChanSize = 16
)

var ErrUnknownWorker = errors.New("unknown worker")

// Status is the liveness state of a worker.
type Status string

const (
	StatusUnseen Status = "unseen"
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusStale  Status = "stale"
)

// Conn is the push channel attached to a worker. Implemented by the websocket
// transport; the registry only ever addresses it through this interface so
// tests can attach fakes.
type Conn interface {
	SendJob(env *types.JobEnvelope) error
	Close() error
}

// EventKind discriminates worker lifecycle events.
type EventKind int

const (
	// EventOnline fires on first heartbeat after registration or staleness.
	EventOnline EventKind = iota
	// EventStale fires when a worker falls out of the live set; Jobs carries
	// its in-flight job ids, which the dispatcher fails.
	EventStale
)

// WorkerEvent is broadcast on the registry feed.
type WorkerEvent struct {
	Kind   EventKind
	Worker string
	Jobs   []string
}

// Heartbeat is the state a worker declares on each beat.
type Heartbeat struct {
	Models  []string `json:"models"`
	Ready   bool     `json:"ready"`
	Region  string   `json:"region,omitempty"`
	Runtime string   `json:"runtime,omitempty"`
}

// Info is a point-in-time snapshot of one worker.
type Info struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Models     []string  `json:"models"`
	Region     string    `json:"region,omitempty"`
	Runtime    string    `json:"runtime,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
	ActiveJobs []string  `json:"activeJobs,omitempty"`
	Connected  bool      `json:"connected"`
}

// Filter narrows a Workers query. Zero fields match everything.
type Filter struct {
	Status  Status
	Region  string
	Runtime string
	Model   string
}

type worker struct {
	id       string
	secret   []byte
	models   mapset.Set[string]
	region   string
	runtime  string
	status   Status
	lastSeen time.Time
	active   mapset.Set[string]
	conn     Conn
}

func (w *worker) live(now time.Time, ttl time.Duration) bool {
	return w.status != StatusStale && now.Sub(w.lastSeen) <= ttl
}

func (w *worker) snapshot() Info {
	return Info{
		ID:         w.id,
		Status:     w.status,
		Models:     sortedSlice(w.models),
		Region:     w.region,
		Runtime:    w.runtime,
		LastSeen:   w.lastSeen,
		ActiveJobs: sortedSlice(w.active),
		Connected:  w.conn != nil,
	}
}

// Registry is the authoritative view of the worker population.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*worker

	feed  event.FeedOf[WorkerEvent]
	scope event.SubscriptionScope

	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	quit chan struct{}
	wg   sync.WaitGroup
	log  log.Logger
}

// Config tunes a registry. Zero values pick the defaults above.
type Config struct {
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
	Logger        log.Logger
}

// New creates a registry. Start must be called to run the staleness sweep.
func New(cfg Config) *Registry {
	r := &Registry{
		workers: make(map[string]*worker),
		ttl:     cfg.HeartbeatTTL,
		sweep:   cfg.SweepInterval,
		now:     time.Now,
		quit:    make(chan struct{}),
		log:     cfg.Logger,
	}
	if r.ttl == 0 {
		r.ttl = heartbeatTTL
	}
	if r.sweep == 0 {
		r.sweep = sweepInterval
	}
	if r.log == nil {
		r.log = log.Root()
	}
	return r
}

// Start launches the background staleness sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the sweep loop and tears down all event subscriptions.
func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()
	r.scope.Close()
}

// Register mints a worker and its secret, returning the secret hex-encoded.
// Registering an existing id rotates the secret; any previously issued one
// stops verifying immediately.
func (r *Registry) Register(id string) (string, error) {
	if id == "" {
		return "", errors.New("empty worker id")
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("mint worker secret: %w", err)
	}
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		w = &worker{
			id:     id,
			models: mapset.NewSet[string](),
			active: mapset.NewSet[string](),
			status: StatusUnseen,
		}
		r.workers[id] = w
	}
	w.secret = secret
	r.mu.Unlock()

	if ok {
		r.log.Info("Rotated worker secret", "worker", id)
	} else {
		r.log.Info("Registered worker", "worker", id)
	}
	return hex.EncodeToString(secret), nil
}

// Unregister removes a worker and revokes its secret. In-flight jobs are
// surfaced on the feed as a staleness event.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	delete(r.workers, id)
	jobs := sortedSlice(w.active)
	conn := w.conn
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if len(jobs) > 0 {
		r.feed.Send(WorkerEvent{Kind: EventStale, Worker: id, Jobs: jobs})
	}
	r.log.Info("Unregistered worker", "worker", id)
	return nil
}

// Secret implements auth.SecretStore.
func (r *Registry) Secret(id string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.secret, true
}

// Heartbeat refreshes a worker's liveness and declared state, returning the
// resulting status.
func (r *Registry) Heartbeat(id string, hb Heartbeat) (Status, error) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownWorker
	}
	wasLive := w.live(r.now(), r.ttl) && w.status != StatusUnseen
	w.lastSeen = r.now()
	w.models = mapset.NewSet(hb.Models...)
	w.region = hb.Region
	w.runtime = hb.Runtime
	if w.active.Cardinality() > 0 {
		w.status = StatusBusy
	} else if hb.Ready {
		w.status = StatusIdle
	} else {
		w.status = StatusUnseen
	}
	status := w.status
	r.mu.Unlock()

	if !wasLive && (status == StatusIdle || status == StatusBusy) {
		r.feed.Send(WorkerEvent{Kind: EventOnline, Worker: id})
	}
	return status, nil
}

// Workers returns snapshots of all workers matching the filter, sorted by id.
func (r *Registry) Workers(f Filter) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, w := range r.workers {
		if f.Status != "" && w.status != f.Status {
			continue
		}
		if f.Region != "" && w.region != f.Region {
			continue
		}
		if f.Runtime != "" && w.runtime != f.Runtime {
			continue
		}
		if f.Model != "" && !w.models.Contains(f.Model) {
			continue
		}
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkersForModel returns live workers declaring the model, sorted by id.
func (r *Registry) WorkersForModel(model string) []Info {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, w := range r.workers {
		if !w.live(now, r.ttl) || w.status == StatusUnseen {
			continue
		}
		if !w.models.Contains(model) {
			continue
		}
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReservePushWorker selects a push-delivery target for the model and books
// the job onto it in one step: the first live idle worker, in id order,
// holding an open channel and declaring either the model or nothing at all.
// A worker with any active job is never selected. Selection and reservation
// share the write lock so two concurrent dispatches cannot double-book a
// worker; release a failed delivery with MarkIdle.
func (r *Registry) ReservePushWorker(model, jobID string) (string, Conn, bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w := r.workers[id]
		if w.conn == nil || w.status != StatusIdle || !w.live(now, r.ttl) {
			continue
		}
		if w.active.Cardinality() > 0 {
			continue
		}
		if w.models.Cardinality() > 0 && !w.models.Contains(model) {
			continue
		}
		w.active.Add(jobID)
		w.status = StatusBusy
		return id, w.conn, true
	}
	return "", nil, false
}

// AttachConn binds a push channel to a worker, replacing any previous one.
func (r *Registry) AttachConn(id string, c Conn) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	old := w.conn
	w.conn = c
	w.lastSeen = r.now()
	if w.status == StatusUnseen || w.status == StatusStale {
		w.status = StatusIdle
	}
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	r.log.Debug("Worker push channel attached", "worker", id)
	return nil
}

// DetachConn drops a worker's push channel. A worker that loses its channel
// while carrying jobs is immediately marked stale and its jobs surfaced for
// failure; the worker cannot feed those streams anymore.
func (r *Registry) DetachConn(id string, c Conn) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok || w.conn != c {
		// A replaced channel detaching late must not clobber its successor.
		r.mu.Unlock()
		return
	}
	w.conn = nil
	var jobs []string
	if w.active.Cardinality() > 0 {
		jobs = sortedSlice(w.active)
		w.active.Clear()
		w.status = StatusStale
	}
	r.mu.Unlock()

	if len(jobs) > 0 {
		r.log.Warn("Worker disconnected with jobs in flight", "worker", id, "jobs", len(jobs))
		r.feed.Send(WorkerEvent{Kind: EventStale, Worker: id, Jobs: jobs})
	} else {
		r.log.Debug("Worker push channel detached", "worker", id)
	}
}

// MarkBusy records a job on the worker and flips it busy.
func (r *Registry) MarkBusy(id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.active.Add(jobID)
	w.status = StatusBusy
	return nil
}

// MarkIdle removes a job from the worker; the worker turns idle when its
// active set drains.
func (r *Registry) MarkIdle(id, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	w.active.Remove(jobID)
	if w.active.Cardinality() == 0 && w.status == StatusBusy {
		w.status = StatusIdle
	}
}

// WorkerModels returns the models a worker declared on its last heartbeat.
func (r *Registry) WorkerModels(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return sortedSlice(w.models), true
}

// LiveCount returns the number of workers inside their heartbeat window.
func (r *Registry) LiveCount() int {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.live(now, r.ttl) && w.status != StatusUnseen {
			n++
		}
	}
	return n
}

// SubscribeEvents registers a channel for worker lifecycle events. The
// subscription is tracked and torn down by Stop.
func (r *Registry) SubscribeEvents(ch chan<- WorkerEvent) event.Subscription {
	return r.scope.Track(r.feed.Subscribe(ch))
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepStale()
		case <-r.quit:
			return
		}
	}
}

// sweepStale marks silent, channel-less workers stale and surfaces their
// in-flight jobs on the feed.
func (r *Registry) sweepStale() {
	now := r.now()
	var events []WorkerEvent
	r.mu.Lock()
	for id, w := range r.workers {
		if w.status == StatusStale || w.status == StatusUnseen {
			continue
		}
		if now.Sub(w.lastSeen) <= r.ttl || w.conn != nil {
			continue
		}
		jobs := sortedSlice(w.active)
		w.active.Clear()
		w.status = StatusStale
		events = append(events, WorkerEvent{Kind: EventStale, Worker: id, Jobs: jobs})
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.log.Warn("Worker went stale", "worker", ev.Worker, "jobs", len(ev.Jobs))
		r.feed.Send(ev)
	}
}

// EventChanSize is the buffer subscribers should allocate for event channels.
func EventChanSize() int { return eventChanSize }

func sortedSlice(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
