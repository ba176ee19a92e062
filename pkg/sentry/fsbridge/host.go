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
	"fmt"
	"os"

	"gvisor.dev/vmcore/pkg/sentry/context"
)

// hostFile implements File over a host file.
type hostFile struct {
	path string
	flag int
	file *os.File
}

var _ File = (*hostFile)(nil)

// OpenHost opens the host file at path. writable selects read-write access,
// which memory-mapped files need for write-back.
func OpenHost(path string, writable bool) (File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &hostFile{path: path, flag: flag, file: f}, nil
}

// Name implements File.Name.
func (f *hostFile) Name() string {
	return f.path
}

// ReadAt implements File.ReadAt.
func (f *hostFile) ReadAt(_ context.Context, dst []byte, offset int64) (int, error) {
	return f.file.ReadAt(dst, offset)
}

// WriteAt implements File.WriteAt.
func (f *hostFile) WriteAt(_ context.Context, src []byte, offset int64) (int, error) {
	return f.file.WriteAt(src, offset)
}

// Length implements File.Length.
func (f *hostFile) Length(context.Context) (int64, error) {
	fi, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Reopen implements File.Reopen.
func (f *hostFile) Reopen(ctx context.Context) (File, error) {
	nf, err := os.OpenFile(f.path, f.flag, 0)
	if err != nil {
		return nil, fmt.Errorf("reopening %q: %w", f.path, err)
	}
	ctx.Debugf("Reopened %q", f.path)
	return &hostFile{path: f.path, flag: f.flag, file: nf}, nil
}

// Close implements File.Close.
func (f *hostFile) Close() error {
	return f.file.Close()
}
