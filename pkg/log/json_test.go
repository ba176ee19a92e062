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
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUnmarshalLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"0", Warning},
		{`"info"`, Info},
		{"2", Debug},
		{`"debug"`, Debug},
	} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s) got err %v want nil", tc.in, err)
		}
		if lv != tc.want {
			t.Errorf("UnmarshalJSON(%s) got %v want %v", tc.in, lv, tc.want)
		}
	}
	var lv Level
	if err := lv.UnmarshalJSON([]byte(`"fatal"`)); err == nil {
		t.Errorf("UnmarshalJSON(fatal) got nil want error")
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "evicted %d frames", 3)

	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if got.Level != Info {
		t.Errorf("level got %v want %v", got.Level, Info)
	}
	if got.Msg != "evicted 3 frames" {
		t.Errorf("msg got %q want %q", got.Msg, "evicted 3 frames")
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller got %q want prefix %q", got.Caller, "json_test.go:")
	}
	if !strings.Contains(buf.String(), `"level":"info"`) {
		t.Errorf("output %q does not name the level", buf.String())
	}
}

func TestNewEmitter(t *testing.T) {
	w := &Writer{Next: &bytes.Buffer{}}
	if _, err := NewEmitter("text", w); err != nil {
		t.Errorf("NewEmitter(text) got err %v", err)
	}
	if _, err := NewEmitter("json", w); err != nil {
		t.Errorf("NewEmitter(json) got err %v", err)
	}
	if _, err := NewEmitter("xml", w); err == nil {
		t.Errorf("NewEmitter(xml) got nil error")
	}
}
