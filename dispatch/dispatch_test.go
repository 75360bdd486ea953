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

package dispatch

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/internal/testlog"
	"github.com/meshinfer/go-meshinfer/jobstore"
	"github.com/meshinfer/go-meshinfer/receipts"
	"github.com/meshinfer/go-meshinfer/registry"
	"github.com/meshinfer/go-meshinfer/stream"
)

type fakeConn struct {
	jobs chan *types.JobEnvelope
	err  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{jobs: make(chan *types.JobEnvelope, 4)}
}

func (c *fakeConn) SendJob(env *types.JobEnvelope) error {
	if c.err != nil {
		return c.err
	}
	c.jobs <- env
	return nil
}

func (c *fakeConn) Close() error { return nil }

type harness struct {
	reg    *registry.Registry
	store  *jobstore.Store
	chain  *receipts.Chain
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testlog.Logger(t, slog.LevelDebug)
	reg := registry.New(registry.Config{Logger: logger})
	store := jobstore.NewMemory(logger)
	chain := receipts.NewMemory(logger)
	streams := stream.NewManager(store, stream.Config{Logger: logger})
	engine := New(reg, store, streams, chain, logger)
	engine.Start()
	t.Cleanup(func() {
		engine.Stop()
		reg.Stop()
		chain.Close()
		store.Close()
	})
	return &harness{reg: reg, store: store, chain: chain, engine: engine}
}

func (h *harness) idleWorker(t *testing.T, id string, models ...string) {
	t.Helper()
	_, err := h.reg.Register(id)
	require.NoError(t, err)
	status, err := h.reg.Heartbeat(id, registry.Heartbeat{Models: models, Ready: true})
	require.NoError(t, err)
	require.Equal(t, registry.StatusIdle, status)
}

func messages() []types.ChatMessage {
	return []types.ChatMessage{{Role: "user", Content: "hi"}}
}

func TestDispatchNoWorker(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	assert.ErrorIs(t, err, ErrNoWorkerForModel)
}

func TestDispatchPushDelivery(t *testing.T) {
	h := newHarness(t)
	h.idleWorker(t, "w1", "llama3.2")
	conn := newFakeConn()
	require.NoError(t, h.reg.AttachConn("w1", conn))

	job, sub, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, types.JobAssigned, job.Status)
	assert.Equal(t, "w1", job.Worker)

	env := <-conn.jobs
	assert.Equal(t, types.MsgJob, env.Type)
	assert.Equal(t, job.ID, env.JobID)
	assert.Equal(t, "llama3.2", env.Model)

	// The push target is busy now; a second dispatch stays pending.
	job2, sub2, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	defer sub2.Unsubscribe()
	assert.Equal(t, types.JobPending, job2.Status)
}

func TestDispatchFallsBackWhenSendFails(t *testing.T) {
	h := newHarness(t)
	h.idleWorker(t, "w1", "llama3.2")
	conn := newFakeConn()
	conn.err = assert.AnError
	require.NoError(t, h.reg.AttachConn("w1", conn))

	job, sub, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Equal(t, types.JobPending, job.Status)
}

func TestClaimPath(t *testing.T) {
	h := newHarness(t)
	h.idleWorker(t, "w1", "llama3.2")

	job, sub, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Equal(t, types.JobPending, job.Status)

	claimed, err := h.engine.Claim("w1", []string{"llama3.2"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, "w1", claimed.Worker)

	// Nothing left to claim.
	claimed, err = h.engine.Claim("w1", []string{"llama3.2"})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteAppendsReceiptAndFreesWorker(t *testing.T) {
	h := newHarness(t)
	h.idleWorker(t, "w1", "llama3.2")

	job, sub, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	_, err = h.engine.Claim("w1", []string{"llama3.2"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Complete(job.ID, types.JobCompleted, "hello 👋", ""))

	// Receipt append and worker release ride the terminal hook.
	require.Eventually(t, func() bool {
		list, err := h.chain.List("u1", 0, 10)
		return err == nil && len(list) == 1
	}, time.Second, 10*time.Millisecond)

	list, err := h.chain.List("u1", 0, 10)
	require.NoError(t, err)
	receipt := list[0]
	assert.Equal(t, uint64(1), receipt.BlockNumber)
	assert.Empty(t, receipt.PreviousHash)
	assert.Equal(t, job.ID, receipt.InferenceID)
	assert.Equal(t, "w1", receipt.Worker)
	assert.Equal(t, types.HashResponse("hello 👋"), receipt.ResponseHash)

	require.Eventually(t, func() bool {
		idle := h.reg.Workers(registry.Filter{Status: registry.StatusIdle})
		return len(idle) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFailedJobProducesNoReceipt(t *testing.T) {
	h := newHarness(t)
	h.idleWorker(t, "w1", "llama3.2")

	job, sub, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	_, err = h.engine.Claim("w1", []string{"llama3.2"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Complete(job.ID, types.JobFailed, "", "model exploded"))

	stored, err := h.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, stored.Status)
	assert.Equal(t, "model exploded", stored.Error)

	time.Sleep(50 * time.Millisecond)
	list, err := h.chain.List("u1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWorkerDisconnectFailsJob(t *testing.T) {
	h := newHarness(t)
	h.idleWorker(t, "w1", "llama3.2")
	conn := newFakeConn()
	require.NoError(t, h.reg.AttachConn("w1", conn))

	job, sub, err := h.engine.Dispatch("u1", "llama3.2", messages(), nil)
	require.NoError(t, err)
	require.Equal(t, types.JobAssigned, job.Status)

	// The worker's channel drops mid-stream.
	h.reg.DetachConn("w1", conn)

	var terminal types.DeltaFrame
	select {
	case terminal = <-sub.Frames():
	case <-time.After(time.Second):
		t.Fatal("no terminal frame after worker disconnect")
	}
	assert.True(t, terminal.Done)
	assert.Equal(t, CodeWorkerDisconnected, terminal.Error)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(job.ID)
		return err == nil && stored.Status == types.JobFailed && stored.Error == CodeWorkerDisconnected
	}, time.Second, 10*time.Millisecond)

	list, err := h.chain.List("u1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCompleteUnknownJob(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Complete("nope", types.JobCompleted, "x", "")
	assert.ErrorIs(t, err, ErrUnknownJob)
}
