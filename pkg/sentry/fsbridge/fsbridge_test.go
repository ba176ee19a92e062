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

package fsbridge

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/sentry/context/contexttest"
)

func TestReadFull(t *testing.T) {
	ctx := contexttest.Context(t)
	f := NewMemoryFile("seg", []byte("0123456789"))

	buf := make([]byte, 4)
	if n, err := ReadFull(ctx, f, buf, 2); err != nil || n != 4 || string(buf) != "2345" {
		t.Errorf("ReadFull(2) got (%d, %v, %q) want (4, nil, 2345)", n, err, buf)
	}
	if n, err := ReadFull(ctx, f, buf, 8); err != io.ErrUnexpectedEOF || n != 2 {
		t.Errorf("ReadFull(8) got (%d, %v) want (2, ErrUnexpectedEOF)", n, err)
	}
	if n, err := ReadFull(ctx, f, buf, 10); err != io.EOF || n != 0 {
		t.Errorf("ReadFull(10) got (%d, %v) want (0, EOF)", n, err)
	}
	if n, err := ReadFull(ctx, f, buf[:0], 100); err != nil || n != 0 {
		t.Errorf("ReadFull of empty buffer got (%d, %v) want (0, nil)", n, err)
	}
}

func TestMemoryFileReopenSharesContent(t *testing.T) {
	ctx := contexttest.Context(t)
	f := NewMemoryFile("map", []byte("hello"))
	g, err := f.Reopen(ctx)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if _, err := WriteFull(ctx, g, []byte("J"), 0); err != nil {
		t.Fatalf("WriteFull failed: %v", err)
	}
	if _, err := g.WriteAt(ctx, []byte("!!"), 6); err != nil {
		t.Fatalf("WriteAt past end failed: %v", err)
	}
	if got, want := f.Bytes(), []byte("Jello\x00!!"); !bytes.Equal(got, want) {
		t.Errorf("content got %q want %q", got, want)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := g.ReadAt(ctx, make([]byte, 1), 0); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("ReadAt after Close got %v want EBADF", err)
	}
	// The original handle is unaffected.
	if n, err := f.Length(ctx); err != nil || n != 8 {
		t.Errorf("Length got (%d, %v) want (8, nil)", n, err)
	}
}

func TestHostFile(t *testing.T) {
	ctx := contexttest.Context(t)
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("abcdef"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := OpenHost(path, true)
	if err != nil {
		t.Fatalf("OpenHost failed: %v", err)
	}
	defer f.Close()
	g, err := f.Reopen(ctx)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if _, err := WriteFull(ctx, g, []byte("XY"), 2); err != nil {
		t.Fatalf("WriteFull failed: %v", err)
	}
	g.Close()

	buf := make([]byte, 6)
	if _, err := ReadFull(ctx, f, buf, 0); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(buf) != "abXYef" {
		t.Errorf("content got %q want abXYef", buf)
	}
	if n, err := f.Length(ctx); err != nil || n != 6 {
		t.Errorf("Length got (%d, %v) want (6, nil)", n, err)
	}
}
