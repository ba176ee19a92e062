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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustNew(t *testing.T, size uint32) Bitmap {
	t.Helper()
	b, err := New(size)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", size, err)
	}
	return b
}

func TestFirstZeroRespectsSize(t *testing.T) {
	// 70 bits spans two blocks; the tail of the second block must never be
	// handed out.
	b := mustNew(t, 70)
	for i := uint32(0); i < 70; i++ {
		bit, err := b.FirstZero(0)
		if err != nil {
			t.Fatalf("FirstZero after %d adds failed: %v", i, err)
		}
		if bit != i {
			t.Fatalf("FirstZero got %d want %d", bit, i)
		}
		b.Add(bit)
	}
	if !b.IsFull() {
		t.Errorf("IsFull got false after filling all %d bits", b.Size())
	}
	if bit, err := b.FirstZero(0); err == nil {
		t.Errorf("FirstZero on full bitmap got %d want error", bit)
	}
}

func TestScanAndFlip(t *testing.T) {
	b := mustNew(t, 8)
	for want := uint32(0); want < 3; want++ {
		got, err := b.ScanAndFlip(0, false)
		if err != nil || got != want {
			t.Fatalf("ScanAndFlip(0, false) got (%d, %v) want (%d, nil)", got, err, want)
		}
	}

	// Releasing slot 1 must make exactly slot 1 available again.
	if got, err := b.ScanAndFlip(1, true); err != nil || got != 1 {
		t.Fatalf("ScanAndFlip(1, true) got (%d, %v) want (1, nil)", got, err)
	}
	if got, err := b.FirstZero(0); err != nil || got != 1 {
		t.Errorf("FirstZero got (%d, %v) want (1, nil)", got, err)
	}
	if diff := cmp.Diff([]uint32{0, 2}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice mismatch (-want +got):\n%s", diff)
	}
}

func TestAddRemoveCount(t *testing.T) {
	b := mustNew(t, 200)
	for _, i := range []uint32{0, 63, 64, 127, 199, 64} {
		b.Add(i)
	}
	if got := b.Count(); got != 5 {
		t.Errorf("Count got %d want 5", got)
	}
	b.Remove(63)
	b.Remove(63)
	if got := b.Count(); got != 4 {
		t.Errorf("Count got %d want 4", got)
	}
	if b.Test(63) || !b.Test(64) {
		t.Errorf("Test mismatch: Test(63)=%t Test(64)=%t", b.Test(63), b.Test(64))
	}
	if got, err := b.FirstOne(65); err != nil || got != 127 {
		t.Errorf("FirstOne(65) got (%d, %v) want (127, nil)", got, err)
	}
}

func TestAddOutOfRangePanics(t *testing.T) {
	b := mustNew(t, 10)
	defer func() {
		if recover() == nil {
			t.Errorf("Add(10) on a 10-bit bitmap did not panic")
		}
	}()
	b.Add(10)
}
