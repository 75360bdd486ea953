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

// Package types contains data types shared between the control plane subsystems.
package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an inference job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobStreaming JobStatus = "streaming"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs reject any
// further transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ChatMessage is a single entry of a user conversation. The control plane
// passes messages through to workers verbatim.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Job is a single inference request tracked from creation to its terminal
// state.
type Job struct {
	ID       string          `json:"id"`
	User     string          `json:"user"`
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Options  json.RawMessage `json:"options,omitempty"`

	Status JobStatus `json:"status"`
	Worker string    `json:"worker,omitempty"`

	// Response is set only when the job completes, Error only when it fails.
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Copy returns a deep copy of the job.
func (j *Job) Copy() *Job {
	cpy := *j
	cpy.Messages = make([]ChatMessage, len(j.Messages))
	copy(cpy.Messages, j.Messages)
	if j.Options != nil {
		cpy.Options = make(json.RawMessage, len(j.Options))
		copy(cpy.Options, j.Options)
	}
	return &cpy
}
