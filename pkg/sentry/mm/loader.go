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

package mm

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
)

// SegmentOpts describes a program segment to be loaded lazily.
type SegmentOpts struct {
	// Offset is the file offset of the segment. It must be page aligned.
	Offset int64

	// Addr is the virtual address of the segment. It must be page aligned.
	Addr hostarch.Addr

	// ReadBytes are read from the file starting at Offset.
	ReadBytes uint64

	// ZeroBytes follow ReadBytes and are zero filled. ReadBytes+ZeroBytes
	// must be a multiple of the page size.
	ZeroBytes uint64

	// Writable makes the segment writable by user code.
	Writable bool
}

// LoadSegment registers the pages of a program segment. Nothing is read
// until a page is first touched. Pages with no file content are registered
// as anonymous.
//
// A failure after some pages were registered leaves them in place; the
// caller is expected to terminate the process.
func (mm *MemoryManager) LoadSegment(ctx context.Context, file fsbridge.File, opts SegmentOpts) error {
	size := opts.ReadBytes + opts.ZeroBytes
	switch {
	case size == 0 || size%hostarch.PageSize != 0:
		return fmt.Errorf("segment of %#x+%#x bytes is not a whole number of pages: %w", opts.ReadBytes, opts.ZeroBytes, linuxerr.EINVAL)
	case !opts.Addr.IsPageAligned() || opts.Offset < 0 || opts.Offset%hostarch.PageSize != 0:
		return fmt.Errorf("segment at %v from offset %#x is unaligned: %w", opts.Addr, opts.Offset, linuxerr.EINVAL)
	}
	ar, ok := opts.Addr.ToRange(size)
	if !ok || ar.Start < mm.layout.UserBase || ar.End > mm.layout.UserTop {
		return fmt.Errorf("segment at %v outside user space: %w", ar, linuxerr.EINVAL)
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released {
		return fmt.Errorf("segment load after release: %w", linuxerr.EINVAL)
	}

	var f fsbridge.File
	if opts.ReadBytes > 0 {
		var err error
		if f, err = file.Reopen(ctx); err != nil {
			return fmt.Errorf("reopening %s: %w", file.Name(), err)
		}
		mm.segmentFiles = append(mm.segmentFiles, f)
	}

	readLeft := opts.ReadBytes
	offset := opts.Offset
	for page := ar.Start; page < ar.End; page += hostarch.PageSize {
		readLen := min(readLeft, hostarch.PageSize)
		var origin Origin = AnonymousOrigin{}
		if readLen > 0 {
			origin = FileOrigin{
				File:    f,
				Offset:  offset,
				ReadLen: uint32(readLen),
				ZeroLen: uint32(hostarch.PageSize - readLen),
			}
		}
		if _, err := mm.insertLocked(page, origin, opts.Writable, noMapping); err != nil {
			return err
		}
		readLeft -= readLen
		offset += int64(readLen)
	}
	if f != nil {
		ctx.Debugf("Registered segment %v from %s@%#x (%#x file bytes)", ar, f.Name(), opts.Offset, opts.ReadBytes)
	} else {
		ctx.Debugf("Registered anonymous segment %v", ar)
	}
	return nil
}

// SetupStack registers the top stack page, faults it in zero filled, and
// returns the initial stack pointer.
func (mm *MemoryManager) SetupStack(ctx context.Context) (hostarch.Addr, error) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released {
		return 0, fmt.Errorf("stack setup after release: %w", linuxerr.EINVAL)
	}
	h, err := mm.insertLocked(mm.layout.UserTop-hostarch.PageSize, AnonymousOrigin{}, true, noMapping)
	if err != nil {
		return 0, err
	}
	if err := mm.faultInLocked(ctx, h, false /* pin */); err != nil {
		return 0, err
	}
	return mm.layout.UserTop, nil
}
