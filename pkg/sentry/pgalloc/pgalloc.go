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

// Package pgalloc provides the pool of physical frames that back resident
// user pages.
//
// The pool is a single anonymous host mapping carved into PageSize frames.
// It knows nothing about which page a frame backs; that bookkeeping belongs
// to the frame table in package mm.
package pgalloc

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sync"
)

// Frame identifies a physical frame by its index in the pool.
type Frame uint64

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame#%d", uint64(f))
}

// Stats describes pool usage.
type Stats struct {
	// Total is the number of frames in the pool.
	Total uint64

	// Allocated is the number of frames currently handed out.
	Allocated uint64

	// Allocations counts successful calls to Allocate.
	Allocations uint64

	// Exhausted counts calls to Allocate that found no free frame.
	Exhausted uint64
}

// Pool is a fixed-size set of physical frames.
type Pool struct {
	// mem is the host mapping backing all frames. It is immutable after
	// NewPool and until Close.
	mem []byte

	mu sync.Mutex

	// used has a bit set for every allocated frame.
	//
	// +checklocks:mu
	used bitmap.Bitmap

	// +checklocks:mu
	allocations uint64

	// +checklocks:mu
	exhausted uint64
}

// NewPool maps frames page frames of host memory.
func NewPool(frames uint32) (*Pool, error) {
	if frames == 0 {
		return nil, fmt.Errorf("pool needs at least one frame")
	}
	used, err := bitmap.New(frames)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, int(frames)*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d frames: %w", frames, err)
	}
	log.Debugf("Frame pool: %d frames at %#x", frames, &mem[0])
	return &Pool{mem: mem, used: used}, nil
}

// Allocate takes a free frame from the pool, zeroing it if zero is set.
// Otherwise its content is whatever its previous user left. It returns false
// if every frame is in use.
func (p *Pool) Allocate(zero bool) (Frame, bool) {
	p.mu.Lock()
	i, err := p.used.FirstZero(0)
	if err != nil {
		p.exhausted++
		p.mu.Unlock()
		return 0, false
	}
	p.used.Add(i)
	p.allocations++
	p.mu.Unlock()

	f := Frame(i)
	if zero {
		clear(p.Bytes(f))
	}
	return f, true
}

// Free returns f to the pool.
//
// Precondition: f was returned by Allocate and not freed since.
func (p *Pool) Free(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.used.Test(uint32(f)) {
		panic(fmt.Sprintf("double free of %v", f))
	}
	p.used.Remove(uint32(f))
}

// Bytes returns the memory of frame f. The slice aliases pool memory and is
// valid until Close.
func (p *Pool) Bytes(f Frame) []byte {
	off := uint64(f) * hostarch.PageSize
	return p.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Frames returns the pool size in frames.
func (p *Pool) Frames() uint64 {
	return uint64(len(p.mem) / hostarch.PageSize)
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:       p.Frames(),
		Allocated:   uint64(p.used.Count()),
		Allocations: p.allocations,
		Exhausted:   p.exhausted,
	}
}

// Close unmaps the pool. No frame may be used afterwards.
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}
