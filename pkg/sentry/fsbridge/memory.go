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
	"io"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sync"
)

// inode is the shared content behind every handle of a memory file.
type inode struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

// MemoryFile is an in-memory File. Handles obtained through Reopen share
// content with the original.
type MemoryFile struct {
	name   string
	ino    *inode
	closed bool
}

var _ File = (*MemoryFile)(nil)

// NewMemoryFile returns a memory file holding a copy of data.
func NewMemoryFile(name string, data []byte) *MemoryFile {
	return &MemoryFile{
		name: name,
		ino:  &inode{data: append([]byte(nil), data...)},
	}
}

// Name implements File.Name.
func (f *MemoryFile) Name() string {
	return f.name
}

// ReadAt implements File.ReadAt.
func (f *MemoryFile) ReadAt(_ context.Context, dst []byte, offset int64) (int, error) {
	if f.closed {
		return 0, linuxerr.EBADF
	}
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	if offset >= int64(len(f.ino.data)) {
		return 0, io.EOF
	}
	n := copy(dst, f.ino.data[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements File.WriteAt.
func (f *MemoryFile) WriteAt(_ context.Context, src []byte, offset int64) (int, error) {
	if f.closed {
		return 0, linuxerr.EBADF
	}
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	if end := offset + int64(len(src)); end > int64(len(f.ino.data)) {
		f.ino.data = append(f.ino.data, make([]byte, end-int64(len(f.ino.data)))...)
	}
	f.ino.writes++
	return copy(f.ino.data[offset:], src), nil
}

// Length implements File.Length.
func (f *MemoryFile) Length(context.Context) (int64, error) {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	return int64(len(f.ino.data)), nil
}

// Reopen implements File.Reopen.
func (f *MemoryFile) Reopen(context.Context) (File, error) {
	if f.closed {
		return nil, linuxerr.EBADF
	}
	return &MemoryFile{name: f.name, ino: f.ino}, nil
}

// Close implements File.Close.
func (f *MemoryFile) Close() error {
	if f.closed {
		return linuxerr.EBADF
	}
	f.closed = true
	return nil
}

// Bytes returns a copy of the file's current content.
func (f *MemoryFile) Bytes() []byte {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	return append([]byte(nil), f.ino.data...)
}

// Writes returns the number of WriteAt calls made through any handle.
func (f *MemoryFile) Writes() int {
	f.ino.mu.Lock()
	defer f.ino.mu.Unlock()
	return f.ino.writes
}
