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
	"testing"
	"time"
)

func sampleReceipt() *Receipt {
	return &Receipt{
		ID:           "rcpt-1",
		User:         "u1",
		InferenceID:  "job-1",
		Worker:       "w1",
		Model:        "llama3.2",
		RequestHash:  HashRequest([]ChatMessage{{Role: "user", Content: "hi"}}),
		ResponseHash: HashResponse("hello 👋"),
		BlockNumber:  1,
		Status:       "completed",
		Timestamp:    time.Date(2025, 6, 1, 12, 30, 0, 123456789, time.UTC),
	}
}

func TestSealHashDeterministic(t *testing.T) {
	r := sampleReceipt()
	first := r.SealHash()
	if first != r.SealHash() {
		t.Fatal("seal hash not deterministic")
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(first))
	}
}

func TestSealHashSurvivesRoundTrip(t *testing.T) {
	r := sampleReceipt()
	r.BlockHash = r.SealHash()

	enc, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	decoded := new(Receipt)
	if err := json.Unmarshal(enc, decoded); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	if got := decoded.SealHash(); got != r.BlockHash {
		t.Fatalf("seal hash changed across storage round trip:\nhave %s\nwant %s", got, r.BlockHash)
	}
}

func TestSealHashZoneIndependent(t *testing.T) {
	r := sampleReceipt()
	want := r.SealHash()
	r.Timestamp = r.Timestamp.In(time.FixedZone("UTC+7", 7*3600))
	if got := r.SealHash(); got != want {
		t.Fatalf("seal hash depends on timestamp zone:\nhave %s\nwant %s", got, want)
	}
}

func TestSealHashFieldSensitivity(t *testing.T) {
	base := sampleReceipt().SealHash()

	mutations := map[string]func(*Receipt){
		"user":          func(r *Receipt) { r.User = "u2" },
		"inference":     func(r *Receipt) { r.InferenceID = "job-2" },
		"request hash":  func(r *Receipt) { r.RequestHash = HashRequest(nil) },
		"response hash": func(r *Receipt) { r.ResponseHash = HashResponse("forged") },
		"previous hash": func(r *Receipt) { r.PreviousHash = "abcd" },
		"timestamp":     func(r *Receipt) { r.Timestamp = r.Timestamp.Add(time.Nanosecond) },
	}
	for name, mutate := range mutations {
		r := sampleReceipt()
		mutate(r)
		if r.SealHash() == base {
			t.Errorf("mutating %s did not change the seal hash", name)
		}
	}

	// Worker, status and counters are metadata, not part of the seal.
	r := sampleReceipt()
	r.Worker = "someone-else"
	r.ProcessingMs = 999
	if r.SealHash() != base {
		t.Error("metadata fields must not enter the seal hash")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for status, terminal := range map[JobStatus]bool{
		JobPending:   false,
		JobAssigned:  false,
		JobStreaming: false,
		JobCompleted: true,
		JobFailed:    true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("%s: terminal = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}
