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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// genesisParent is the placeholder ancestor used when hashing the first
// receipt of a user's chain.
const genesisParent = "genesis"

// Receipt is one entry of a user's hash-linked inference log. Each receipt
// commits to the request, the response and its predecessor; the chain is
// verifiable offline from stored fields alone.
type Receipt struct {
	ID          string `json:"id"`
	User        string `json:"user"`
	InferenceID string `json:"inferenceId"`
	Worker      string `json:"worker,omitempty"`
	Model       string `json:"model"`

	RequestHash  string `json:"requestHash"`
	ResponseHash string `json:"responseHash"`
	// PreviousHash is the block hash of the user's preceding receipt, empty
	// for the first entry of a chain.
	PreviousHash string `json:"previousHash,omitempty"`
	BlockHash    string `json:"blockHash"`
	// BlockNumber is sequential per user, starting at 1.
	BlockNumber uint64 `json:"blockNumber"`

	Status       string    `json:"status"`
	ProcessingMs int64     `json:"processingMs"`
	TokenCount   int       `json:"tokenCount"`
	Timestamp    time.Time `json:"timestamp"`
}

// SealHash recomputes the block hash from the receipt's stored fields. The
// digest covers the colon-joined canonical fields; the timestamp enters in
// RFC 3339 form at nanosecond precision, pinned to UTC, so recomputation is
// deterministic regardless of the zone the receipt was loaded in.
func (r *Receipt) SealHash() string {
	prev := r.PreviousHash
	if prev == "" {
		prev = genesisParent
	}
	input := strings.Join([]string{
		r.User,
		r.InferenceID,
		r.RequestHash,
		r.ResponseHash,
		prev,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}, ":")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HashRequest digests the canonical JSON encoding of a message transcript.
func HashRequest(messages []ChatMessage) string {
	enc, _ := json.Marshal(messages)
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:])
}

// HashResponse digests the final response text.
func HashResponse(response string) string {
	sum := sha256.Sum256([]byte(response))
	return hex.EncodeToString(sum[:])
}
