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
)

func TestPeekType(t *testing.T) {
	msgType, err := PeekType([]byte(`{"type":"token","jobId":"j1","token":"he","done":false}`))
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if msgType != MsgToken {
		t.Fatalf("type = %q, want %q", msgType, MsgToken)
	}

	if _, err := PeekType([]byte(`{"jobId":"j1"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := PeekType([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

// Absent and zero-valued producer fields must stay distinguishable: a frame
// with no offset skips the conflict check, a frame with offset 0 doesn't.
func TestProducerFramePointerFields(t *testing.T) {
	var frame ProducerFrame
	if err := json.Unmarshal([]byte(`{"id":"j1","delta":"","done":false}`), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Offset != nil {
		t.Error("absent offset decoded as present")
	}
	if frame.Delta == nil || *frame.Delta != "" {
		t.Error("explicit empty delta not preserved")
	}

	frame = ProducerFrame{}
	if err := json.Unmarshal([]byte(`{"id":"j1","seq":0,"offset":0,"cumulative":"x"}`), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Offset == nil || *frame.Offset != 0 {
		t.Error("explicit zero offset lost")
	}
	if frame.Seq == nil || *frame.Seq != 0 {
		t.Error("explicit zero seq lost")
	}
	if frame.Cumulative == nil {
		t.Error("cumulative lost")
	}
}
