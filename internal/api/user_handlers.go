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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshinfer/go-meshinfer/core/types"
	"github.com/meshinfer/go-meshinfer/dispatch"
	"github.com/meshinfer/go-meshinfer/jobstore"
)

// sseDone is the sentinel closing every event stream.
const sseDone = "[DONE]"

var subscriberUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
	Options  json.RawMessage     `json:"options,omitempty"`
}

// sseEvent is one frame of the user-facing event stream.
type sseEvent struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Delta       string `json:"delta,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleChatStream dispatches an inference and streams deltas back as
// server-sent events until the terminal frame, a timeout, or client
// disconnect. The job keeps running server-side if the client goes away;
// a reconnect can catch up via /inference/delta or /chat/subscribe.
func (a *API) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	job, sub, err := a.engine.Dispatch(userFrom(r), req.Model, req.Messages, req.Options)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoWorkerForModel) {
			writeError(w, http.StatusNotFound, "no_worker_for_model")
			return
		}
		writeError(w, http.StatusInternalServerError, "dispatch_failed")
		return
	}
	defer sub.Unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSE(w, flusher, sseEvent{Type: "started", JobID: job.ID})

	deadline := time.NewTimer(a.streamTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			writeSSE(w, flusher, sseEvent{Type: "error", Error: "timeout"})
			fmt.Fprintf(w, "data: %s\n\n", sseDone)
			flusher.Flush()
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				// The subscription ended without a terminal frame: either
				// this subscriber overflowed its buffer and was dropped, or
				// the stream state went away underneath it.
				code := "stream_closed"
				if sub.Dropped() {
					code = "subscriber_lagged"
				}
				writeSSE(w, flusher, sseEvent{Type: "error", Error: code})
				fmt.Fprintf(w, "data: %s\n\n", sseDone)
				flusher.Flush()
				return
			}
			if terminal := a.writeFrame(w, flusher, frame); terminal {
				fmt.Fprintf(w, "data: %s\n\n", sseDone)
				flusher.Flush()
				return
			}
		}
	}
}

// writeFrame maps one multiplexer frame onto SSE events, returning whether
// the stream is over.
func (a *API) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame types.DeltaFrame) bool {
	if frame.Error != "" {
		writeSSE(w, flusher, sseEvent{Type: "error", Error: frame.Error})
		return true
	}
	if frame.Delta != "" {
		writeSSE(w, flusher, sseEvent{Type: "delta", ContentType: frame.ContentType, Delta: frame.Delta})
	}
	if frame.Done {
		writeSSE(w, flusher, sseEvent{Type: "done", NodeID: frame.Worker})
		return true
	}
	return false
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleDelta is the pure-HTTP catch-up read: everything past since, or 204
// when the caller is caught up on a live stream.
func (a *API) handleDelta(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	if !a.authorizeJob(w, r, jobID) {
		return
	}
	frame, ok, err := a.streams.Backlog(jobID, since)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_job")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

// handleChatSubscribe serves the duplex subscriber channel: backlog catch-up
// on attach, live frames after.
func (a *API) handleChatSubscribe(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	if !a.authorizeJob(w, r, jobID) {
		return
	}
	sub, err := a.streams.Subscribe(jobID, since)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_job")
		return
	}
	ws, err := subscriberUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		return
	}
	defer ws.Close()
	defer sub.Unsubscribe()

	// Reads only detect disconnect; subscribers send nothing.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}()

	for frame := range sub.Frames() {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(frame); err != nil {
			return
		}
		if frame.Done {
			break
		}
	}
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// authorizeJob confirms the job exists and belongs to the requesting user.
func (a *API) authorizeJob(w http.ResponseWriter, r *http.Request, jobID string) bool {
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing_job_id")
		return false
	}
	job, err := a.store.Get(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_job")
		} else {
			writeError(w, http.StatusInternalServerError, "lookup_failed")
		}
		return false
	}
	if job.User != userFrom(r) {
		writeError(w, http.StatusForbidden, "unauthorized")
		return false
	}
	return true
}

type receiptsResponse struct {
	Receipts []*types.Receipt `json:"receipts"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
}

func (a *API) handleReceipts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}
	list, err := a.chain.List(userFrom(r), page*limit, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed")
		return
	}
	if list == nil {
		list = []*types.Receipt{}
	}
	writeJSON(w, http.StatusOK, receiptsResponse{Receipts: list, Page: page, Limit: limit})
}

func (a *API) handleReceiptsVerify(w http.ResponseWriter, r *http.Request) {
	res, err := a.chain.Verify(userFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify_failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
