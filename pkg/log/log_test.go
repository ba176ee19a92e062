// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

type recordingEmitter struct {
	levels []Level
	msgs   []string
}

func (r *recordingEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.levels = append(r.levels, level)
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestBasicLoggerLevels(t *testing.T) {
	r := &recordingEmitter{}
	l := &BasicLogger{Level: Info, Emitter: r}
	l.Debugf("hidden")
	l.Infof("shown %d", 1)
	l.Warningf("shown %d", 2)
	if got, want := strings.Join(r.msgs, ","), "shown 1,shown 2"; got != want {
		t.Errorf("messages got %q want %q", got, want)
	}

	l.SetLevel(Debug)
	l.Debugf("now shown")
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) got false after SetLevel(Debug)")
	}
	if got := r.msgs[len(r.msgs)-1]; got != "now shown" {
		t.Errorf("last message got %q want %q", got, "now shown")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	r := &recordingEmitter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: r}, time.Hour, 1)
	for i := 0; i < 10; i++ {
		l.Warningf("all frames pinned")
	}
	if len(r.msgs) != 1 {
		t.Errorf("rate limited logger emitted %d messages, want 1", len(r.msgs))
	}
}

func TestRateLimitedLoggerReportsSuppressed(t *testing.T) {
	r := &recordingEmitter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: r}, time.Hour, 1).(*rateLimitedLogger)
	for i := 0; i < 3; i++ {
		rl.Warningf("frame %d pinned", i)
	}
	rl.limit.SetLimit(rate.Inf)
	rl.Warningf("frame %d pinned", 3)
	want := []string{"frame 0 pinned", "frame 3 pinned (2 similar messages suppressed)"}
	if len(r.msgs) != len(want) {
		t.Fatalf("got messages %q want %q", r.msgs, want)
	}
	for i := range want {
		if r.msgs[i] != want[i] {
			t.Errorf("message %d got %q want %q", i, r.msgs[i], want[i])
		}
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Date(2026, time.May, 7, 1, 2, 3, 4000, time.UTC), "halt: %s", "swap full")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 01:02:03.000004 ") {
		t.Errorf("line got %q want glog header", line)
	}
	if !strings.HasSuffix(line, "] halt: swap full\n") {
		t.Errorf("line got %q want message suffix", line)
	}
}
