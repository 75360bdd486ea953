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

package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/metrics"
)

// subscriberBuffer bounds the per-subscriber frame queue. A subscriber that
// falls this far behind the producer is dropped rather than allowed to stall
// the fan-out.
const subscriberBuffer = 128

// OffsetError rejects a producer frame whose offset does not match the
// committed offset; Expected tells the producer where to resume.
type OffsetError struct {
	Expected int
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("offset_mismatch: expected %d", e.Expected)
}

// Subscription is one attached delta sink. Frames are delivered in apply
// order on a bounded channel which is closed after the terminal frame, on
// Unsubscribe, or when the subscriber overflows its buffer.
type Subscription struct {
	frames  chan types.DeltaFrame
	js      *jobStream
	closed  sync.Once
	dropped atomic.Bool
}

// Frames returns the delivery channel.
func (s *Subscription) Frames() <-chan types.DeltaFrame {
	return s.frames
}

// Dropped reports whether the subscription was torn down for falling behind,
// as opposed to ending with the stream.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Unsubscribe detaches the sink. Safe to call any number of times and
// concurrently with delivery.
func (s *Subscription) Unsubscribe() {
	if s.js != nil {
		s.js.remove(s)
	}
	s.close()
}

func (s *Subscription) close() {
	s.closed.Do(func() { close(s.frames) })
}

// jobStream is the per-job authoritative stream state. All mutation happens
// under mu; subscribers only ever observe it through frames emitted here.
type jobStream struct {
	mu sync.Mutex

	jobID    string
	user     string
	model    string
	worker   string
	messages []types.ChatMessage

	// Transcripts are held as rune slices so offset arithmetic is in code
	// points with O(1) length.
	response  []rune
	reasoning []rune

	seenSeq mapset.Set[uint64]
	subs    map[*Subscription]struct{}

	terminal bool
	failed   bool
	errCode  string

	startedAt   time.Time
	tokenFrames int
}

func newJobStream(job *types.Job) *jobStream {
	return &jobStream{
		jobID:     job.ID,
		user:      job.User,
		model:     job.Model,
		worker:    job.Worker,
		messages:  job.Messages,
		seenSeq:   mapset.NewSet[uint64](),
		subs:      make(map[*Subscription]struct{}),
		startedAt: time.Now(),
	}
}

// committed returns the committed offset: the code-point length of the
// response transcript.
func (js *jobStream) committed() int {
	return len(js.response)
}

// applyResult describes one accepted producer frame.
type applyResult struct {
	offset   int  // committed offset after application
	done     bool // stream turned terminal with this frame
	response string
	noop     bool // duplicate seq or terminal discard
}

// apply runs the unified delta rule. Both producer paths funnel through here.
func (js *jobStream) apply(frame *types.ProducerFrame, cumulativeCompat bool) (applyResult, error) {
	js.mu.Lock()
	defer js.mu.Unlock()

	// Terminal streams discard further producer input.
	if js.terminal {
		return applyResult{offset: js.committed(), noop: true}, nil
	}

	// Idempotent producer retries: a seen seq leaves every piece of state
	// untouched and emits nothing.
	if frame.Seq != nil && js.seenSeq.Contains(*frame.Seq) {
		return applyResult{offset: js.committed(), noop: true}, nil
	}

	contentType := frame.ContentType
	if contentType == "" {
		contentType = types.ContentResponse
	}
	target := &js.response
	if contentType == types.ContentReasoning {
		target = &js.reasoning
	}

	// Resolve the effective delta: explicit delta wins, then cumulative
	// (sliced against the transcript so far), then the legacy chunk field.
	var delta []rune
	switch {
	case frame.Delta != nil:
		delta = []rune(*frame.Delta)
	case frame.Cumulative != nil:
		cum := []rune(*frame.Cumulative)
		if len(cum) < len(*target) {
			if !cumulativeCompat {
				metrics.OffsetMismatches.Inc()
				return applyResult{}, &OffsetError{Expected: len(*target)}
			}
			// Compat mode mirrors producers that occasionally resend a
			// shorter snapshot: treat it as an empty delta.
			cum = *target
		}
		delta = cum[len(*target):]
	case frame.Chunk != nil:
		delta = []rune(*frame.Chunk)
	}

	// The producer's offset view must match the committed state of the
	// transcript it is appending to.
	if frame.Offset != nil && *frame.Offset != len(*target) {
		metrics.OffsetMismatches.Inc()
		return applyResult{}, &OffsetError{Expected: len(*target)}
	}

	offsetBefore := len(*target)
	*target = append(*target, delta...)
	if frame.Seq != nil {
		js.seenSeq.Add(*frame.Seq)
	}
	if len(delta) > 0 && contentType == types.ContentResponse {
		js.tokenFrames++
	}
	metrics.FramesApplied.Inc()

	if len(delta) > 0 || frame.Done {
		js.broadcast(types.DeltaFrame{
			JobID:       js.jobID,
			Offset:      offsetBefore,
			Delta:       string(delta),
			ContentType: contentType,
			Done:        frame.Done,
			Worker:      js.worker,
		})
	}

	res := applyResult{offset: js.committed(), done: frame.Done, response: string(js.response)}
	if frame.Done {
		js.terminal = true
		js.closeSubs()
	}
	return res, nil
}

// fail turns the stream terminal with an error code and notifies subscribers.
// Failing an already-terminal stream is a no-op.
func (js *jobStream) fail(code string) bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.terminal {
		return false
	}
	js.terminal = true
	js.failed = true
	js.errCode = code
	js.broadcast(types.DeltaFrame{
		JobID:       js.jobID,
		Offset:      js.committed(),
		ContentType: types.ContentResponse,
		Done:        true,
		Error:       code,
	})
	js.closeSubs()
	return true
}

// subscribe attaches a sink, delivering a single catch-up frame when the
// subscriber is behind. since is clamped into [0, committed].
func (js *jobStream) subscribe(since int) *Subscription {
	js.mu.Lock()
	defer js.mu.Unlock()

	sub := &Subscription{
		frames: make(chan types.DeltaFrame, subscriberBuffer),
		js:     js,
	}
	if since < 0 {
		since = 0
	}
	if since > js.committed() {
		since = js.committed()
	}
	if since < js.committed() {
		sub.frames <- types.DeltaFrame{
			JobID:       js.jobID,
			Offset:      since,
			Delta:       string(js.response[since:]),
			ContentType: types.ContentResponse,
			Worker:      js.worker,
		}
	}
	if js.terminal {
		// Late attach to a finished stream: emit the terminal marker and end.
		sub.frames <- types.DeltaFrame{
			JobID:       js.jobID,
			Offset:      js.committed(),
			ContentType: types.ContentResponse,
			Done:        true,
			Error:       js.errCode,
			Worker:      js.worker,
		}
		sub.close()
		return sub
	}
	js.subs[sub] = struct{}{}
	return sub
}

// backlog serves the polling read: everything past since, with terminal
// markers. ok is false when the caller is caught up and the stream is live.
func (js *jobStream) backlog(since int) (types.DeltaFrame, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if since < 0 {
		since = 0
	}
	if since > js.committed() {
		since = js.committed()
	}
	if since == js.committed() && !js.terminal {
		return types.DeltaFrame{}, false
	}
	return types.DeltaFrame{
		JobID:       js.jobID,
		Offset:      since,
		Delta:       string(js.response[since:]),
		ContentType: types.ContentResponse,
		Done:        js.terminal,
		Error:       js.errCode,
		Worker:      js.worker,
	}, true
}

// broadcast fans a frame out to every subscriber without blocking. A full
// subscriber buffer drops that subscriber; the others are unaffected.
func (js *jobStream) broadcast(frame types.DeltaFrame) {
	for sub := range js.subs {
		select {
		case sub.frames <- frame:
		default:
			delete(js.subs, sub)
			sub.dropped.Store(true)
			sub.close()
			metrics.SubscribersDropped.Inc()
		}
	}
}

func (js *jobStream) closeSubs() {
	for sub := range js.subs {
		delete(js.subs, sub)
		sub.close()
	}
}

func (js *jobStream) remove(sub *Subscription) {
	js.mu.Lock()
	delete(js.subs, sub)
	js.mu.Unlock()
}

// setWorker records the worker feeding this stream once known.
func (js *jobStream) setWorker(worker string) {
	js.mu.Lock()
	if worker != "" {
		js.worker = worker
	}
	js.mu.Unlock()
}

func (js *jobStream) snapshotTranscript() string {
	js.mu.Lock()
	defer js.mu.Unlock()
	return string(js.response)
}
