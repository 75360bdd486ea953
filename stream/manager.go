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

// Package stream is the per-job transcript multiplexer.
//
// Every streaming job owns one in-memory stream state: the authoritative
// transcripts, a committed offset counted in Unicode code points, the set of
// attached subscribers and an idempotency record of producer sequence
// numbers. Producer frames from both delivery paths, the worker push channel
// and the signed pull endpoint, are applied through one rule, so the two
// paths are observationally equivalent to subscribers.
package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/metrics"
)

// retention is how long terminal stream state is held for late subscribers
// before eviction. After eviction the transcript lives only in the job store.
const retention = 60 * time.Second

// ErrUnknownJob is returned for operations on jobs with no stream state and
// no job-store record.
var ErrUnknownJob = errors.New("unknown job")

// JobStore is the slice of the job store the multiplexer needs: transcript
// persistence on terminal frames and metadata recovery for streams created
// lazily by a producer.
type JobStore interface {
	Get(id string) (*types.Job, error)
	UpdateStatus(id string, status types.JobStatus, response, errstr string) (*types.Job, error)
}

// TerminalEvent describes a stream reaching its terminal state. Completed
// carries everything the receipt chain needs; Failed terminations never
// produce receipts.
type TerminalEvent struct {
	Job          *types.Job
	Failed       bool
	Code         string
	ProcessingMs int64
	TokenCount   int
}

// Config tunes a Manager.
type Config struct {
	// Retention overrides the post-terminal eviction delay, for tests.
	Retention time.Duration
	// CumulativeCompat restores the legacy tolerance for cumulative
	// snapshots shorter than the committed transcript.
	CumulativeCompat bool
	Logger           log.Logger
}

// Manager owns all live stream states.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*jobStream

	store      JobStore
	onTerminal func(TerminalEvent)

	retention time.Duration
	compat    bool
	log       log.Logger
}

// NewManager creates a stream multiplexer over the given job store.
func NewManager(store JobStore, cfg Config) *Manager {
	m := &Manager{
		streams:   make(map[string]*jobStream),
		store:     store,
		retention: cfg.Retention,
		compat:    cfg.CumulativeCompat,
		log:       cfg.Logger,
	}
	if m.retention == 0 {
		m.retention = retention
	}
	if m.log == nil {
		m.log = log.Root()
	}
	return m
}

// SetTerminalHandler installs the hook invoked (on its own goroutine) when a
// stream turns terminal. The dispatcher uses it to release workers and feed
// the receipt chain.
func (m *Manager) SetTerminalHandler(fn func(TerminalEvent)) {
	m.onTerminal = fn
}

// Register creates stream state for a freshly dispatched job.
func (m *Manager) Register(job *types.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[job.ID]; !ok {
		m.streams[job.ID] = newJobStream(job)
	}
}

// SetWorker records the worker feeding a job's stream once assignment is
// known.
func (m *Manager) SetWorker(jobID, worker string) {
	if js := m.get(jobID); js != nil {
		js.setWorker(worker)
	}
}

// Apply runs one producer frame through the unified delta rule and returns
// the committed offset after application. Offset conflicts return an
// *OffsetError holding the expected offset; unknown jobs return
// ErrUnknownJob.
func (m *Manager) Apply(frame *types.ProducerFrame) (int, error) {
	js, err := m.getOrCreate(frame.JobID)
	if err != nil {
		return 0, err
	}
	res, err := js.apply(frame, m.compat)
	if err != nil {
		return 0, err
	}
	if res.done && !res.noop {
		m.finalize(js, res.response)
	}
	return res.offset, nil
}

// Subscribe attaches a sink to a job's stream with catch-up from since.
// Attaching to a terminal-but-retained stream replays the backlog and ends
// the subscription immediately after the terminal frame.
func (m *Manager) Subscribe(jobID string, since int) (*Subscription, error) {
	js, err := m.getOrCreate(jobID)
	if err != nil {
		return nil, err
	}
	return js.subscribe(since), nil
}

// Backlog returns the delta between since and the committed offset for the
// HTTP poll read. ok is false when the caller is caught up on a live stream.
func (m *Manager) Backlog(jobID string, since int) (types.DeltaFrame, bool, error) {
	js := m.get(jobID)
	if js == nil {
		// Evicted or never streamed: serve a terminal view from the store.
		job, err := m.store.Get(jobID)
		if err != nil {
			return types.DeltaFrame{}, false, ErrUnknownJob
		}
		if !job.Status.Terminal() {
			return types.DeltaFrame{}, false, nil
		}
		runes := []rune(job.Response)
		if since < 0 {
			since = 0
		}
		if since > len(runes) {
			since = len(runes)
		}
		return types.DeltaFrame{
			JobID:       jobID,
			Offset:      since,
			Delta:       string(runes[since:]),
			ContentType: types.ContentResponse,
			Done:        true,
			Error:       job.Error,
			Worker:      job.Worker,
		}, true, nil
	}
	frame, ok := js.backlog(since)
	return frame, ok, nil
}

// Fail terminates a job's stream with an error code, failing the stored job
// and notifying subscribers. Unknown or already-terminal streams are no-ops.
func (m *Manager) Fail(jobID, code string) {
	js := m.get(jobID)
	if js == nil {
		return
	}
	if !js.fail(code) {
		return
	}
	job, err := m.store.UpdateStatus(jobID, types.JobFailed, "", code)
	if err != nil {
		m.log.Warn("Failed to persist job failure", "job", jobID, "err", err)
		job, _ = m.store.Get(jobID)
	}
	metrics.JobsFailed.Inc()
	m.scheduleEviction(jobID)
	if m.onTerminal != nil && job != nil {
		ev := TerminalEvent{Job: job, Failed: true, Code: code}
		go m.onTerminal(ev)
	}
	m.log.Debug("Stream failed", "job", jobID, "code", code)
}

// Complete applies a terminal-only completion: the pull path's explicit
// completion request. A non-empty response is treated as a cumulative
// snapshot so workers that streamed first and completed second agree with the
// transcript.
func (m *Manager) Complete(jobID, response string) (int, error) {
	frame := &types.ProducerFrame{JobID: jobID, Done: true}
	if response != "" {
		frame.Cumulative = &response
	}
	return m.Apply(frame)
}

// finalize persists the transcript, emits the terminal event and schedules
// eviction. Runs once per stream, driven by the done-frame apply.
func (m *Manager) finalize(js *jobStream, response string) {
	job, err := m.store.UpdateStatus(js.jobID, types.JobCompleted, response, "")
	if err != nil {
		m.log.Warn("Failed to persist completed transcript", "job", js.jobID, "err", err)
		job, _ = m.store.Get(js.jobID)
	}
	metrics.JobsCompleted.Inc()
	m.scheduleEviction(js.jobID)

	if m.onTerminal != nil && job != nil {
		js.mu.Lock()
		ev := TerminalEvent{
			Job:          job,
			ProcessingMs: time.Since(js.startedAt).Milliseconds(),
			TokenCount:   js.tokenFrames,
		}
		js.mu.Unlock()
		go m.onTerminal(ev)
	}
	m.log.Debug("Stream completed", "job", js.jobID, "codepoints", len([]rune(response)))
}

func (m *Manager) scheduleEviction(jobID string) {
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.streams, jobID)
		m.mu.Unlock()
	})
}

func (m *Manager) get(jobID string) *jobStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[jobID]
}

// getOrCreate resolves a job's stream state, recovering metadata from the
// job store for streams first touched by a producer frame or late
// subscriber.
func (m *Manager) getOrCreate(jobID string) (*jobStream, error) {
	m.mu.Lock()
	if js, ok := m.streams[jobID]; ok {
		m.mu.Unlock()
		return js, nil
	}
	m.mu.Unlock()

	job, err := m.store.Get(jobID)
	if err != nil {
		return nil, ErrUnknownJob
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if js, ok := m.streams[jobID]; ok {
		return js, nil
	}
	js := newJobStream(job)
	if job.Status.Terminal() {
		// Rehydrate a terminal view so late subscribers straddling eviction
		// still get the full transcript and marker.
		js.response = []rune(job.Response)
		js.terminal = true
		js.failed = job.Status == types.JobFailed
		js.errCode = job.Error
	}
	m.streams[jobID] = js
	return js, nil
}
