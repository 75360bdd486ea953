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

package types

import (
	"encoding/json"
	"fmt"
)

// Frame types carried on the worker push channel. Every frame is a JSON
// object with a "type" discriminator.
const (
	// server → worker
	MsgRegistered = "registered"
	MsgJob        = "job"

	// worker → server
	MsgHeartbeat   = "heartbeat"
	MsgToken       = "token"
	MsgJobComplete = "job_complete"
	MsgJobError    = "job_error"
	MsgStatus      = "status"
)

// Transcript channels a delta may target.
const (
	ContentResponse  = "response"
	ContentReasoning = "reasoning"
)

// Envelope is the minimal decode of any push-channel frame, used to pick the
// concrete type.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType returns the type discriminator of a raw frame.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode frame envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return env.Type, nil
}

// RegisteredFrame acknowledges a worker push-channel handshake.
type RegisteredFrame struct {
	Type   string `json:"type"`
	NodeID string `json:"nodeId"`
}

// JobEnvelope hands a job to a push-connected worker.
type JobEnvelope struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId"`
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// TokenFrame carries one streamed delta from a push-connected worker. Either
// channel may be empty; Done marks the final frame.
type TokenFrame struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Reasoning string `json:"reasoning,omitempty"`
	Token     string `json:"token,omitempty"`
	Done      bool   `json:"done"`
}

// JobCompleteFrame reports a terminal success from a push-connected worker.
type JobCompleteFrame struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Response string `json:"response,omitempty"`
}

// JobErrorFrame reports a terminal failure from a push-connected worker.
type JobErrorFrame struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// HeartbeatFrame keeps a push channel alive and refreshes the worker's
// declared state.
type HeartbeatFrame struct {
	Type    string   `json:"type"`
	Models  []string `json:"models,omitempty"`
	Ready   bool     `json:"ready"`
	Region  string   `json:"region,omitempty"`
	Runtime string   `json:"runtime,omitempty"`
}

// StatusFrame is a free-form worker status report.
type StatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ProducerFrame is the unified producer-side delta, fed by both the push
// channel and the signed pull endpoint. Pointer fields distinguish absent
// from zero-valued.
type ProducerFrame struct {
	JobID string `json:"id"`
	// Seq deduplicates producer retries when present.
	Seq *uint64 `json:"seq,omitempty"`
	// Offset is the producer's view of the committed offset before this
	// delta, in code points.
	Offset *int `json:"offset,omitempty"`
	// Delta is the explicit incremental suffix. Cumulative carries the whole
	// transcript so far instead; Chunk is the legacy spelling of Delta.
	Delta       *string `json:"delta,omitempty"`
	Cumulative  *string `json:"cumulative,omitempty"`
	Chunk       *string `json:"chunk,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Done        bool    `json:"done"`
}

// DeltaFrame is what subscribers receive: one applied delta, its offset
// before application, and terminal markers.
type DeltaFrame struct {
	JobID       string `json:"jobId"`
	Offset      int    `json:"offset"`
	Delta       string `json:"delta"`
	ContentType string `json:"contentType"`
	Done        bool   `json:"done"`
	// Error is set on terminal failure frames; Worker names the job's worker
	// once the stream knows it.
	Error  string `json:"error,omitempty"`
	Worker string `json:"worker,omitempty"`
}
