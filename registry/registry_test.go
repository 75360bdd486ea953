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

package registry

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/internal/testlog"
)

type fakeConn struct {
	sent   []*types.JobEnvelope
	closed bool
}

func (c *fakeConn) SendJob(env *types.JobEnvelope) error {
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{Logger: testlog.Logger(t, slog.LevelDebug)})
}

func heartbeatIdle(t *testing.T, r *Registry, id string, models ...string) {
	t.Helper()
	status, err := r.Heartbeat(id, Heartbeat{Models: models, Ready: true})
	require.NoError(t, err)
	require.Equal(t, StatusIdle, status)
}

func TestRegisterRotatesSecret(t *testing.T) {
	r := newTestRegistry(t)

	first, err := r.Register("w1")
	require.NoError(t, err)
	raw, err := hex.DecodeString(first)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw), 32)

	stored, ok := r.Secret("w1")
	require.True(t, ok)
	assert.Equal(t, raw, stored)

	// Repeat registration rotates; the old secret stops verifying.
	second, err := r.Register("w1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	stored, _ = r.Secret("w1")
	assert.NotEqual(t, raw, stored)
}

func TestHeartbeatStatus(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1")
	require.NoError(t, err)

	// Unknown workers cannot heartbeat.
	_, err = r.Heartbeat("ghost", Heartbeat{Ready: true})
	assert.ErrorIs(t, err, ErrUnknownWorker)

	status, err := r.Heartbeat("w1", Heartbeat{Models: []string{"llama3.2"}, Ready: false})
	require.NoError(t, err)
	assert.Equal(t, StatusUnseen, status)

	heartbeatIdle(t, r, "w1", "llama3.2")

	// Busy wins over ready.
	require.NoError(t, r.MarkBusy("w1", "job-1"))
	status, err = r.Heartbeat("w1", Heartbeat{Models: []string{"llama3.2"}, Ready: true})
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, status)

	r.MarkIdle("w1", "job-1")
	workers := r.Workers(Filter{Status: StatusIdle})
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)
}

func TestWorkersForModel(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := r.Register(id)
		require.NoError(t, err)
	}
	heartbeatIdle(t, r, "w1", "llama3.2")
	heartbeatIdle(t, r, "w2", "mistral")
	heartbeatIdle(t, r, "w3", "llama3.2", "mistral")

	ids := func(infos []Info) []string {
		out := make([]string, len(infos))
		for i, info := range infos {
			out[i] = info.ID
		}
		return out
	}
	assert.Equal(t, []string{"w1", "w3"}, ids(r.WorkersForModel("llama3.2")))
	assert.Equal(t, []string{"w2", "w3"}, ids(r.WorkersForModel("mistral")))
	assert.Empty(t, r.WorkersForModel("qwen"))

	// A worker outside its heartbeat window is not live.
	r.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	assert.Empty(t, r.WorkersForModel("llama3.2"))
}

func TestReservePushWorker(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := r.Register(id)
		require.NoError(t, err)
	}
	heartbeatIdle(t, r, "w1", "llama3.2")
	heartbeatIdle(t, r, "w2", "llama3.2")
	heartbeatIdle(t, r, "w3")

	// No push channels attached yet.
	_, _, ok := r.ReservePushWorker("llama3.2", "job-0")
	assert.False(t, ok)

	conn2 := new(fakeConn)
	require.NoError(t, r.AttachConn("w2", conn2))
	id, conn, ok := r.ReservePushWorker("llama3.2", "job-1")
	require.True(t, ok)
	assert.Equal(t, "w2", id)
	assert.Same(t, conn2, conn.(*fakeConn))

	// The reservation flipped the worker busy, so it cannot be booked again
	// until the job is released.
	_, _, ok = r.ReservePushWorker("llama3.2", "job-2")
	assert.False(t, ok)

	r.MarkIdle("w2", "job-1")
	id, _, ok = r.ReservePushWorker("llama3.2", "job-2")
	require.True(t, ok)
	assert.Equal(t, "w2", id)

	// A worker declaring no models accepts any.
	conn3 := new(fakeConn)
	require.NoError(t, r.AttachConn("w3", conn3))
	id, _, ok = r.ReservePushWorker("llama3.2", "job-3")
	require.True(t, ok)
	assert.Equal(t, "w3", id)

	// A worker declaring other models only is skipped.
	r.MarkIdle("w3", "job-3")
	heartbeatIdle(t, r, "w3", "mistral")
	_, _, ok = r.ReservePushWorker("llama3.2", "job-4")
	assert.False(t, ok)
}

func TestReservePushWorkerNoDoubleBooking(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1")
	require.NoError(t, err)
	heartbeatIdle(t, r, "w1", "llama3.2")
	require.NoError(t, r.AttachConn("w1", new(fakeConn)))

	// Concurrent reservations for the same model must yield exactly one
	// winner.
	const dispatchers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, ok := r.ReservePushWorker("llama3.2", fmt.Sprintf("job-%d", i)); ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	workers := r.Workers(Filter{Status: StatusBusy})
	require.Len(t, workers, 1)
	assert.Len(t, workers[0].ActiveJobs, 1)
}

func TestDetachConnFailsInFlightJobs(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1")
	require.NoError(t, err)
	heartbeatIdle(t, r, "w1", "llama3.2")

	events := make(chan WorkerEvent, EventChanSize())
	sub := r.SubscribeEvents(events)
	defer sub.Unsubscribe()

	conn := new(fakeConn)
	require.NoError(t, r.AttachConn("w1", conn))
	require.NoError(t, r.MarkBusy("w1", "job-1"))

	r.DetachConn("w1", conn)

	select {
	case ev := <-events:
		assert.Equal(t, EventStale, ev.Kind)
		assert.Equal(t, "w1", ev.Worker)
		assert.Equal(t, []string{"job-1"}, ev.Jobs)
	case <-time.After(time.Second):
		t.Fatal("no stale event after detach")
	}

	workers := r.Workers(Filter{Status: StatusStale})
	require.Len(t, workers, 1)
	assert.Empty(t, workers[0].ActiveJobs)
}

func TestDetachStaleConnIgnored(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1")
	require.NoError(t, err)
	heartbeatIdle(t, r, "w1", "llama3.2")

	old := new(fakeConn)
	require.NoError(t, r.AttachConn("w1", old))
	replacement := new(fakeConn)
	require.NoError(t, r.AttachConn("w1", replacement))
	assert.True(t, old.closed)

	// The replaced channel detaching late must not clobber its successor.
	r.DetachConn("w1", old)
	_, conn, ok := r.ReservePushWorker("llama3.2", "job-1")
	require.True(t, ok)
	assert.Same(t, replacement, conn.(*fakeConn))
}

func TestSweepMarksStale(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1")
	require.NoError(t, err)
	heartbeatIdle(t, r, "w1", "llama3.2")
	require.NoError(t, r.MarkBusy("w1", "job-1"))

	events := make(chan WorkerEvent, EventChanSize())
	sub := r.SubscribeEvents(events)
	defer sub.Unsubscribe()

	// Move the clock past the heartbeat window and sweep.
	r.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	r.sweepStale()

	select {
	case ev := <-events:
		assert.Equal(t, EventStale, ev.Kind)
		assert.Equal(t, []string{"job-1"}, ev.Jobs)
	case <-time.After(time.Second):
		t.Fatal("no stale event from sweep")
	}

	// A worker with a live push channel survives heartbeat silence.
	_, err = r.Register("w2")
	require.NoError(t, err)
	heartbeatIdle(t, r, "w2", "llama3.2")
	require.NoError(t, r.AttachConn("w2", new(fakeConn)))
	r.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	r.sweepStale()
	assert.Len(t, r.Workers(Filter{Status: StatusStale}), 1)
	assert.Len(t, r.Workers(Filter{Status: StatusIdle}), 1)
}

func TestUnregisterRevokes(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1")
	require.NoError(t, err)

	require.NoError(t, r.Unregister("w1"))
	_, ok := r.Secret("w1")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Unregister("w1"), ErrUnknownWorker)
}
