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
	"time"

	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ilist"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/pkg/sync"
)

// ClockPolicy selects where an eviction scan starts.
type ClockPolicy int

const (
	// ClockPersist resumes each scan where the previous one stopped, like
	// the hand of a clock.
	ClockPersist ClockPolicy = iota

	// ClockRestart starts each scan at the oldest frame.
	ClockRestart
)

// String implements fmt.Stringer.String.
func (p ClockPolicy) String() string {
	switch p {
	case ClockPersist:
		return "persist"
	case ClockRestart:
		return "restart"
	default:
		return fmt.Sprintf("ClockPolicy(%d)", int(p))
	}
}

// ParseClockPolicy parses the String form of a ClockPolicy.
func ParseClockPolicy(s string) (ClockPolicy, error) {
	switch s {
	case "persist", "":
		return ClockPersist, nil
	case "restart":
		return ClockRestart, nil
	default:
		return 0, fmt.Errorf("unknown clock policy %q", s)
	}
}

// FrameTableOpts configures a FrameTable.
type FrameTableOpts struct {
	// Policy is the eviction clock policy.
	Policy ClockPolicy

	// PinnedWarnInterval rate limits the warning logged when every frame is
	// pinned. Zero means one warning per second.
	PinnedWarnInterval time.Duration
}

// frameEntry records the page a committed frame backs.
type frameEntry struct {
	ilist.Entry[*frameEntry]

	frame pgalloc.Frame

	// owner is the address space that holds the page. It is a
	// back-reference used to reach the page table at eviction time.
	owner *MemoryManager

	// page identifies the page within owner.
	page PageHandle
}

// FrameStats describes frame table activity.
type FrameStats struct {
	// Committed is the number of frames backing pages.
	Committed uint64

	// Capacity is the size of the frame pool.
	Capacity uint64

	// Evictions counts frames reclaimed by the clock.
	Evictions uint64

	// SecondChances counts accessed bits cleared by the clock.
	SecondChances uint64

	// EvictSwapOuts counts victims written to swap.
	EvictSwapOuts uint64

	// EvictWriteBacks counts victims written back to their file.
	EvictWriteBacks uint64

	// EvictDrops counts clean file victims dropped without I/O.
	EvictDrops uint64

	// PinnedWaits counts allocations that found every frame pinned and
	// had to wait.
	PinnedWaits uint64

	// ZeroFills, FileReads and SwapIns count faults by the source that
	// populated the new frame.
	ZeroFills uint64
	FileReads uint64
	SwapIns   uint64
}

// FrameTable tracks every physical frame committed to a user page, across
// all processes, and reclaims frames when the pool is exhausted.
type FrameTable struct {
	pool   *pgalloc.Pool
	swap   *swap.Manager
	policy ClockPolicy

	// pinnedWarn logs the all-pinned condition at a bounded rate.
	pinnedWarn log.Logger

	// mu serializes allocation, freeing and eviction kernel-wide, including
	// the I/O eviction performs.
	mu sync.Mutex

	// cond is signalled when a frame is freed or a page unpinned.
	cond sync.Cond

	// frames holds committed frames in allocation order.
	//
	// +checklocks:mu
	frames ilist.List[*frameEntry]

	// byFrame indexes frames.
	//
	// +checklocks:mu
	byFrame map[pgalloc.Frame]*frameEntry

	// hand is the next entry the clock examines, or nil for the front.
	//
	// +checklocks:mu
	hand *frameEntry

	// owners are the live address spaces using this table.
	//
	// +checklocks:mu
	owners map[*MemoryManager]struct{}

	// +checklocks:mu
	stats FrameStats
}

// NewFrameTable returns a frame table that allocates from pool and evicts to
// sw.
func NewFrameTable(pool *pgalloc.Pool, sw *swap.Manager, opts FrameTableOpts) *FrameTable {
	every := opts.PinnedWarnInterval
	if every == 0 {
		every = time.Second
	}
	ft := &FrameTable{
		pool:       pool,
		swap:       sw,
		policy:     opts.Policy,
		pinnedWarn: log.BasicRateLimitedLogger(every),
		byFrame:    make(map[pgalloc.Frame]*frameEntry),
		owners:     make(map[*MemoryManager]struct{}),
	}
	ft.cond.L = &ft.mu
	return ft
}

// Pool returns the frame pool.
func (ft *FrameTable) Pool() *pgalloc.Pool {
	return ft.pool
}

// Swap returns the swap manager.
func (ft *FrameTable) Swap() *swap.Manager {
	return ft.swap
}

// Policy returns the eviction clock policy.
func (ft *FrameTable) Policy() ClockPolicy {
	return ft.policy
}

func (ft *FrameTable) addOwner(mm *MemoryManager) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.owners[mm] = struct{}{}
}

// +checklocks:ft.mu
func (ft *FrameTable) removeOwnerLocked(mm *MemoryManager) {
	delete(ft.owners, mm)
}

// Stats returns a snapshot of frame table counters.
func (ft *FrameTable) Stats() FrameStats {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	s := ft.stats
	s.Committed = uint64(len(ft.byFrame))
	s.Capacity = ft.pool.Frames()
	return s
}

// allocateLocked commits a frame to the page h of owner and pins the page.
// The frame is zero filled if zero is set. If the pool is empty a frame is
// evicted and the pool retried once; if every committed frame is pinned,
// allocateLocked waits until one is unpinned or freed. It never fails: if
// eviction cannot make room the kernel halts.
//
// Preconditions:
//   - ft.mu is locked. It may be released while waiting.
//   - The page is not resident.
//
// +checklocks:ft.mu
func (ft *FrameTable) allocateLocked(ctx context.Context, owner *MemoryManager, h PageHandle, zero bool) pgalloc.Frame {
	for {
		f, ok := ft.pool.Allocate(zero)
		if !ok {
			if !ft.evictLocked(ctx) {
				ft.stats.PinnedWaits++
				ft.pinnedWarn.Warningf("All %d committed frames are pinned; waiting for one to be released", len(ft.byFrame))
				ft.cond.Wait()
				continue
			}
			if f, ok = ft.pool.Allocate(zero); !ok {
				errors.Halt("frame allocate", "frame pool still exhausted after eviction")
			}
		}
		p := owner.pages.get(h)
		if p == nil {
			errors.Halt("frame allocate", "%v of %p vanished during allocation", h, owner)
		}
		p.pins++
		e := &frameEntry{frame: f, owner: owner, page: h}
		ft.frames.PushBack(e)
		ft.byFrame[f] = e
		return f
	}
}

// freeLocked releases frame f. The caller has already removed any hardware
// translation to it and updated the page that used it.
//
// +checklocks:ft.mu
func (ft *FrameTable) freeLocked(f pgalloc.Frame) {
	e, ok := ft.byFrame[f]
	if !ok {
		errors.Halt("frame free", "%v is not committed", f)
	}
	if ft.hand == e {
		ft.hand = e.Next()
	}
	ft.frames.Remove(e)
	delete(ft.byFrame, f)
	ft.pool.Free(f)
	ft.cond.Broadcast()
}

// nextLocked returns the clock successor of e, wrapping at the end.
//
// +checklocks:ft.mu
func (ft *FrameTable) nextLocked(e *frameEntry) *frameEntry {
	if n := e.Next(); n != nil {
		return n
	}
	return ft.frames.Front()
}

// evictLocked reclaims one frame with the second-chance clock. It returns
// false if no frame is evictable because every committed frame is pinned.
//
// Unpinned frames whose accessed bit is set have it cleared and are passed
// over. Since accesses require ft.mu, no bit is set again during the scan,
// so two passes always find a victim if any frame is unpinned.
//
// +checklocks:ft.mu
func (ft *FrameTable) evictLocked(ctx context.Context) bool {
	n := len(ft.byFrame)
	if n == 0 {
		return false
	}
	e := ft.hand
	if e == nil || ft.policy == ClockRestart {
		e = ft.frames.Front()
	}
	for i := 0; i < 2*n; i, e = i+1, ft.nextLocked(e) {
		p := e.owner.pages.get(e.page)
		if p == nil {
			errors.Halt("evict", "%v backs removed %v", e.frame, e.page)
		}
		if p.pins > 0 {
			continue
		}
		if e.owner.pt.IsAccessed(p.vaddr) {
			e.owner.pt.SetAccessed(p.vaddr, false)
			ft.stats.SecondChances++
			continue
		}
		ft.hand = ft.nextLocked(e)
		if ft.hand == e {
			ft.hand = nil
		}
		ft.reclaimLocked(ctx, e, p)
		return true
	}
	return false
}

// reclaimLocked persists the content of victim e as its origin requires,
// removes its translation and frees the frame.
//
// +checklocks:ft.mu
func (ft *FrameTable) reclaimLocked(ctx context.Context, e *frameEntry, p *pageEntry) {
	pt := e.owner.pt
	dirty := pt.IsDirty(p.vaddr)
	buf := ft.pool.Bytes(e.frame)

	switch o := p.origin.(type) {
	case FileOrigin:
		switch {
		case !dirty:
			p.loc = notPresent{}
			ft.stats.EvictDrops++
		case o.WriteBack:
			if _, err := fsbridge.WriteFull(ctx, o.File, buf[:o.ReadLen], o.Offset); err != nil {
				errors.Halt("evict", "write-back of %v to %s: %v", p.vaddr, o.File.Name(), err)
			}
			p.loc = notPresent{}
			ft.stats.EvictWriteBacks++
		default:
			// A modified executable page no longer matches its file.
			p.loc = swapped{slot: ft.swap.SwapOut(buf)}
			p.origin = AnonymousOrigin{}
			ft.stats.EvictSwapOuts++
		}
	default:
		p.loc = swapped{slot: ft.swap.SwapOut(buf)}
		ft.stats.EvictSwapOuts++
	}

	pt.Unmap(p.vaddr)
	state, _, _ := p.state()
	ctx.Debugf("Evicted %v of %p from %v, now %v", p.vaddr, e.owner, e.frame, state)
	ft.stats.Evictions++
	ft.freeLocked(e.frame)
}

// unpinLocked drops one pin of p and wakes waiting allocations.
//
// +checklocks:ft.mu
func (ft *FrameTable) unpinLocked(p *pageEntry) {
	if p.pins <= 0 {
		panic(fmt.Sprintf("unpinning unpinned page %v", p.vaddr))
	}
	p.pins--
	if p.pins == 0 {
		ft.cond.Broadcast()
	}
}

// CheckInvariants verifies the bookkeeping shared by the frame table, the
// page tables of every address space and the swap area:
//   - every committed frame backs a live page that names it as its frame,
//   - every resident page is backed by exactly one committed frame and has
//     a translation to it,
//   - non-resident pages have no translation,
//   - no swap slot is held by two pages, and every held slot is in use.
//
// Pages being populated by an in-progress fault are exempt from the last
// three checks.
func (ft *FrameTable) CheckInvariants() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for f, e := range ft.byFrame {
		p := e.owner.pages.get(e.page)
		if p == nil {
			return fmt.Errorf("%v backs removed %v", f, e.page)
		}
		if r, ok := p.loc.(resident); ok && r.frame != f {
			return fmt.Errorf("%v backs %v, which is resident in %v", f, p.vaddr, r.frame)
		} else if !ok && p.pins == 0 {
			state, _, _ := p.state()
			return fmt.Errorf("%v backs %v, which is %v", f, p.vaddr, state)
		}
	}

	slots := make(map[swap.Slot]hostarch.Addr)
	var err error
	for mm := range ft.owners {
		mm.pages.forEach(func(h PageHandle, p *pageEntry) {
			if err != nil || p.pins > 0 {
				return
			}
			pte, mapped := mm.pt.Lookup(p.vaddr)
			switch loc := p.loc.(type) {
			case resident:
				e, ok := ft.byFrame[loc.frame]
				switch {
				case !ok:
					err = fmt.Errorf("resident %v has uncommitted %v", p.vaddr, loc.frame)
				case e.owner != mm || e.page != h:
					err = fmt.Errorf("resident %v shares %v with %v", p.vaddr, loc.frame, e.page)
				case !mapped || pte.Frame() != uint64(loc.frame):
					err = fmt.Errorf("resident %v has translation %v, want %v", p.vaddr, pte, loc.frame)
				}
			case swapped:
				if other, ok := slots[loc.slot]; ok {
					err = fmt.Errorf("%v held by both %v and %v", loc.slot, other, p.vaddr)
				} else if !ft.swap.InUse(loc.slot) {
					err = fmt.Errorf("%v holds free %v", p.vaddr, loc.slot)
				}
				slots[loc.slot] = p.vaddr
			}
			if _, ok := p.loc.(resident); !ok && mapped {
				err = fmt.Errorf("non-resident %v has translation %v", p.vaddr, pte)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
