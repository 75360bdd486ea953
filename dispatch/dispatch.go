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

// Package dispatch matches inference jobs to workers.
//
// A new job is pushed to an idle, channel-connected worker when one exists;
// otherwise it stays pending until a polling worker claims it. The engine
// also reacts to worker lifecycle events, failing in-flight jobs whose
// worker went away, and routes completed streams into the receipt chain.
package dispatch

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/jobstore"
	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/metrics"
	"github.com/meshinfer/go-meshinfer/receipts"
	"github.com/meshinfer/go-meshinfer/registry"
	"github.com/meshinfer/go-meshinfer/stream"
)

// Error codes surfaced to callers.
var (
	ErrNoWorkerForModel = errors.New("no_worker_for_model")
	ErrUnknownJob       = errors.New("unknown_job")
)

// CodeWorkerDisconnected is the terminal error stamped on jobs whose worker
// vanished mid-stream.
const CodeWorkerDisconnected = "worker_disconnected"

// Engine is the dispatcher.
type Engine struct {
	reg     *registry.Registry
	store   *jobstore.Store
	streams *stream.Manager
	chain   *receipts.Chain

	quit chan struct{}
	wg   sync.WaitGroup
	sub  interface{ Unsubscribe() }
	log  log.Logger
}

// New wires a dispatch engine over its collaborators. The chain may be nil,
// in which case completions produce no receipts.
func New(reg *registry.Registry, store *jobstore.Store, streams *stream.Manager, chain *receipts.Chain, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Root()
	}
	e := &Engine{
		reg:     reg,
		store:   store,
		streams: streams,
		chain:   chain,
		quit:    make(chan struct{}),
		log:     logger,
	}
	streams.SetTerminalHandler(e.onTerminal)
	return e
}

// Start subscribes the engine to worker lifecycle events.
func (e *Engine) Start() {
	ch := make(chan registry.WorkerEvent, registry.EventChanSize())
	e.sub = e.reg.SubscribeEvents(ch)
	e.wg.Add(1)
	go e.eventLoop(ch)
}

// Stop detaches from the registry feed and waits for the event loop.
func (e *Engine) Stop() {
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
	close(e.quit)
	e.wg.Wait()
}

// Dispatch accepts a new inference request: creates the job, initializes its
// stream state with an attached subscriber, and attempts push delivery.
// Without an eligible push worker the job stays pending for the poll path.
func (e *Engine) Dispatch(user, model string, messages []types.ChatMessage, options json.RawMessage) (*types.Job, *stream.Subscription, error) {
	if len(e.reg.WorkersForModel(model)) == 0 {
		return nil, nil, ErrNoWorkerForModel
	}
	job, err := e.store.Create(user, model, messages, options)
	if err != nil {
		return nil, nil, err
	}
	metrics.JobsCreated.Inc()
	e.streams.Register(job)
	sub, err := e.streams.Subscribe(job.ID, 0)
	if err != nil {
		return nil, nil, err
	}

	// Reservation happens inside the registry so a concurrent dispatch can
	// never book the same worker.
	if workerID, conn, ok := e.reg.ReservePushWorker(model, job.ID); ok {
		env := &types.JobEnvelope{
			Type:     types.MsgJob,
			JobID:    job.ID,
			Model:    model,
			Messages: messages,
			Options:  options,
		}
		if err := conn.SendJob(env); err != nil {
			// The channel died under us; release the reservation and leave
			// the job pending for polling workers instead.
			e.reg.MarkIdle(workerID, job.ID)
			e.log.Warn("Push delivery failed", "job", job.ID, "worker", workerID, "err", err)
		} else {
			if job, err = e.store.AssignWorker(job.ID, workerID); err != nil {
				return nil, nil, err
			}
			e.streams.SetWorker(job.ID, workerID)
			metrics.JobsPushed.Inc()
			e.log.Debug("Job pushed", "job", job.ID, "worker", workerID, "model", model)
			return job, sub, nil
		}
	}
	e.log.Debug("Job queued for polling", "job", job.ID, "model", model)
	return job, sub, nil
}

// Claim hands the oldest eligible pending job to a polling worker, or nil
// when the queue holds nothing for it.
func (e *Engine) Claim(workerID string, models []string) (*types.Job, error) {
	job, err := e.store.ClaimNext(workerID, models)
	if err != nil || job == nil {
		return nil, err
	}
	e.reg.MarkBusy(workerID, job.ID)
	e.streams.SetWorker(job.ID, workerID)
	metrics.JobsClaimed.Inc()
	return job, nil
}

// Complete applies a terminal result from either delivery path.
func (e *Engine) Complete(jobID string, status types.JobStatus, response, errstr string) error {
	if _, err := e.store.Get(jobID); err != nil {
		return ErrUnknownJob
	}
	switch status {
	case types.JobCompleted:
		_, err := e.streams.Complete(jobID, response)
		return err
	case types.JobFailed:
		if errstr == "" {
			errstr = "worker_error"
		}
		e.streams.Fail(jobID, errstr)
		return nil
	default:
		return errors.New("completion status must be terminal")
	}
}

// onTerminal releases the worker and, on success, appends the receipt.
func (e *Engine) onTerminal(ev stream.TerminalEvent) {
	job := ev.Job
	if job.Worker != "" {
		e.reg.MarkIdle(job.Worker, job.ID)
	}
	if ev.Failed || e.chain == nil {
		return
	}
	if _, err := e.chain.Append(receipts.Inference{
		User:         job.User,
		JobID:        job.ID,
		Worker:       job.Worker,
		Model:        job.Model,
		Messages:     job.Messages,
		Response:     job.Response,
		ProcessingMs: ev.ProcessingMs,
		TokenCount:   ev.TokenCount,
	}); err != nil {
		e.log.Error("Receipt append failed", "job", job.ID, "user", job.User, "err", err)
	}
}

// eventLoop fails in-flight jobs whose worker went stale or disconnected.
func (e *Engine) eventLoop(ch chan registry.WorkerEvent) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-ch:
			if ev.Kind != registry.EventStale {
				continue
			}
			for _, jobID := range ev.Jobs {
				e.log.Warn("Failing job of lost worker", "job", jobID, "worker", ev.Worker)
				e.streams.Fail(jobID, CodeWorkerDisconnected)
			}
		case <-e.quit:
			return
		}
	}
}
