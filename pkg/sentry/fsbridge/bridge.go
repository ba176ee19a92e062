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

// Package fsbridge provides the file contract the VM core consumes from the
// file system: positional reads and writes, and reopening a file to obtain a
// handle independent of the process's own descriptor.
package fsbridge

import (
	"io"

	"gvisor.dev/vmcore/pkg/sentry/context"
)

// File is an open file as seen by the VM core. No assumption is made about
// the file system's own caching.
type File interface {
	// Name returns a name for diagnostics, typically the path.
	Name() string

	// ReadAt reads up to len(dst) bytes at offset. It returns io.EOF when
	// offset is at or beyond the end of the file.
	ReadAt(ctx context.Context, dst []byte, offset int64) (int, error)

	// WriteAt writes src at offset, extending the file if needed.
	WriteAt(ctx context.Context, src []byte, offset int64) (int, error)

	// Length returns the current file length.
	Length(ctx context.Context) (int64, error)

	// Reopen returns a new handle to the same file with its own lifetime.
	Reopen(ctx context.Context) (File, error)

	// Close releases the handle.
	Close() error
}

// ReadFull reads exactly len(dst) bytes at offset. A short file yields
// io.ErrUnexpectedEOF, or io.EOF if nothing could be read.
func ReadFull(ctx context.Context, f File, dst []byte, offset int64) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := f.ReadAt(ctx, dst[total:], offset+int64(total))
		total += n
		if err == io.EOF && total != 0 && total < len(dst) {
			return total, io.ErrUnexpectedEOF
		} else if err == io.EOF && total == len(dst) {
			break
		} else if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}

// WriteFull writes all of src at offset.
func WriteFull(ctx context.Context, f File, src []byte, offset int64) (int, error) {
	total := 0
	for total < len(src) {
		n, err := f.WriteAt(ctx, src[total:], offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}
