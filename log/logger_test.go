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

package log

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// TestTerminalHandlerFormat checks the aligned key=value terminal output.
func TestTerminalHandlerFormat(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelInfo, false))
	logger.Info("a message", "foo", "bar")
	have := out.String()
	// The timestamp is locale-dependent, so we want to trim that off
	// "INFO [01-01|00:00:00.000] a message ..." -> "a message..."
	have = strings.Split(have, "]")[1]
	want := " a message                                foo=bar\n"
	if have != want {
		t.Errorf("\nhave: %q\nwant: %q\n", have, want)
	}
}

func TestTerminalHandlerLevelGate(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, slog.LevelWarn, false))
	logger.Info("this should not be seen", "ignored", "true")
	if out.Len() != 0 {
		t.Errorf("expected no output below the handler level, got: %q", out.String())
	}
	logger.Warn("a warning")
	if out.Len() == 0 {
		t.Error("expected warning output")
	}
}

func TestTerminalHandlerWithAttrs(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelTrace, false).WithAttrs([]slog.Attr{slog.String("baz", "bat")}))
	logger.Trace("a message", "foo", "bar")
	have := out.String()
	have = strings.Split(have, "]")[1]
	want := " a message                                baz=bat foo=bar\n"
	if have != want {
		t.Errorf("\nhave: %q\nwant: %q\n", have, want)
	}
}

func TestSubLogger(t *testing.T) {
	out := new(bytes.Buffer)
	logger := NewLogger(NewTerminalHandlerWithLevel(out, LevelInfo, false))
	sub := logger.New("worker", "w1")
	sub.Info("sub message", "foo", "bar")
	if !strings.Contains(out.String(), "worker=w1") {
		t.Errorf("sub logger context missing: %q", out.String())
	}
}

// Make sure the default json handler outputs debug log lines
func TestJSONHandler(t *testing.T) {
	out := new(bytes.Buffer)
	handler := JSONHandler(out)
	logger := slog.New(handler)
	logger.Debug("hi there")
	if len(out.String()) == 0 {
		t.Error("expected non-empty debug log output from default JSON Handler")
	}

	out.Reset()
	handler = JSONHandlerWithLevel(out, slog.LevelInfo)
	logger = slog.New(handler)
	logger.Debug("hi there")
	if len(out.String()) != 0 {
		t.Errorf("expected empty debug log output, but got: %v", out.String())
	}
}

func TestFormatSlogValue(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{"plain", "plain"},
		{"needs space", `"needs space"`},
		{int64(212_000_000), "212,000,000"},
		{errors.New("boom"), "boom"},
		{true, "true"},
	}
	for _, tc := range tests {
		got := string(FormatSlogValue(slog.AnyValue(tc.value), nil))
		if got != tc.want {
			t.Errorf("FormatSlogValue(%v) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestLevelString(t *testing.T) {
	for lvl, want := range map[slog.Level]string{
		LevelTrace: "trace",
		LevelInfo:  "info",
		LevelCrit:  "crit",
	} {
		if got := LevelString(lvl); got != want {
			t.Errorf("LevelString(%v) = %q, want %q", lvl, got, want)
		}
	}
}

func TestFromLegacyLevel(t *testing.T) {
	if FromLegacyLevel(3) != slog.LevelInfo {
		t.Error("verbosity 3 should map to info")
	}
	if FromLegacyLevel(5) != LevelTrace {
		t.Error("verbosity 5 should map to trace")
	}
	if FromLegacyLevel(99) != LevelTrace {
		t.Error("out-of-range verbosity should clamp to trace")
	}
}

func BenchmarkTerminalHandler(b *testing.B) {
	l := NewLogger(NewTerminalHandler(io.Discard, false))
	benchmarkLogger(b, l)
}

func BenchmarkJSONHandler(b *testing.B) {
	l := NewLogger(JSONHandler(io.Discard))
	benchmarkLogger(b, l)
}

func benchmarkLogger(b *testing.B, l Logger) {
	var (
		tt  = time.Now()
		err = fmt.Errorf("oh nooes it's crap")
	)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("This is a message",
			"foo", int16(i),
			"other", tt,
			"err", err)
	}
}
