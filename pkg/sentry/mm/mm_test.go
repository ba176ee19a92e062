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
	"bytes"
	"testing"
	"time"

	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/context/contexttest"
	"gvisor.dev/vmcore/pkg/sentry/devices/blockdev"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

const base = DefaultUserBase

func newTestFrameTable(t *testing.T, frames, slots uint32, policy ClockPolicy) *FrameTable {
	t.Helper()
	pool, err := pgalloc.NewPool(frames)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	sw := swap.New(blockdev.NewMemory("swap", uint64(slots)*swap.SectorsPerSlot))
	return NewFrameTable(pool, sw, FrameTableOpts{Policy: policy})
}

func testMemoryManager(t *testing.T, frames, slots uint32) (context.Context, *MemoryManager) {
	t.Helper()
	ft := newTestFrameTable(t, frames, slots, ClockPersist)
	return contexttest.Context(t), NewMemoryManager(ft, DefaultLayout())
}

// addAnon registers n anonymous writable pages at addr.
func addAnon(t *testing.T, ctx context.Context, mm *MemoryManager, addr hostarch.Addr, n int) {
	t.Helper()
	err := mm.LoadSegment(ctx, fsbridge.NewMemoryFile("bss", nil), SegmentOpts{
		Addr:      addr,
		ZeroBytes: uint64(n) * hostarch.PageSize,
		Writable:  true,
	})
	if err != nil {
		t.Fatalf("LoadSegment(%v, %d anonymous pages) failed: %v", addr, n, err)
	}
}

func pageAt(i int) hostarch.Addr {
	return base + hostarch.Addr(i*hostarch.PageSize)
}

func pattern(i int) []byte {
	b := make([]byte, hostarch.PageSize)
	for j := range b {
		b[j] = byte(i*31 + j*7 + 1)
	}
	return b
}

func ioOpts(mm *MemoryManager) IOOpts {
	return IOOpts{SP: mm.Layout().UserTop}
}

func writeUser(t *testing.T, ctx context.Context, mm *MemoryManager, addr hostarch.Addr, data []byte) {
	t.Helper()
	if n, err := mm.CopyOut(ctx, addr, data, ioOpts(mm)); err != nil || n != len(data) {
		t.Fatalf("CopyOut(%v) got (%d, %v) want (%d, nil)", addr, n, err, len(data))
	}
}

func readUser(t *testing.T, ctx context.Context, mm *MemoryManager, addr hostarch.Addr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if got, err := mm.CopyIn(ctx, addr, buf, ioOpts(mm)); err != nil || got != n {
		t.Fatalf("CopyIn(%v) got (%d, %v) want (%d, nil)", addr, got, err, n)
	}
	return buf
}

func checkInvariants(t *testing.T, ft *FrameTable) {
	t.Helper()
	if err := ft.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants: %v", err)
	}
}

func stateOf(t *testing.T, mm *MemoryManager, addr hostarch.Addr) PageState {
	t.Helper()
	info, ok := mm.Lookup(addr)
	if !ok {
		t.Fatalf("Lookup(%v) found nothing", addr)
	}
	return info.State
}

func TestAnonymousRoundTripThroughSwap(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 8)
	const pages = 5
	addAnon(t, ctx, mm, base, pages)
	for i := 0; i < pages; i++ {
		writeUser(t, ctx, mm, pageAt(i), pattern(i))
	}
	checkInvariants(t, mm.ft)
	for i := 0; i < pages; i++ {
		if got := readUser(t, ctx, mm, pageAt(i), hostarch.PageSize); !bytes.Equal(got, pattern(i)) {
			t.Errorf("page %d content changed across eviction", i)
		}
	}
	if s := mm.ft.Stats(); s.EvictSwapOuts == 0 || s.SwapIns == 0 {
		t.Errorf("Stats got %+v want swap-outs and swap-ins", s)
	}
	checkInvariants(t, mm.ft)
}

func TestUntouchedAnonymousPageIsZero(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 1)
	addAnon(t, ctx, mm, base, 1)
	if got := readUser(t, ctx, mm, base, hostarch.PageSize); !bytes.Equal(got, make([]byte, hostarch.PageSize)) {
		t.Errorf("fresh anonymous page is not zero filled")
	}
	if got := mm.ft.Stats().ZeroFills; got != 1 {
		t.Errorf("ZeroFills got %d want 1", got)
	}
}

func TestFullPoolPlusOneEvictsOnce(t *testing.T) {
	const frames = 4
	ctx, mm := testMemoryManager(t, frames, 8)
	addAnon(t, ctx, mm, base, frames+1)
	for i := 0; i < frames; i++ {
		writeUser(t, ctx, mm, pageAt(i), pattern(i))
	}
	if got := mm.ft.Stats().Evictions; got != 0 {
		t.Fatalf("Evictions before overcommit got %d want 0", got)
	}

	writeUser(t, ctx, mm, pageAt(frames), pattern(frames))
	if got := mm.ft.Stats().Evictions; got != 1 {
		t.Fatalf("Evictions after overcommit got %d want 1", got)
	}
	// Every page was accessed, so the clock cleared all bits and took the
	// oldest.
	if got := stateOf(t, mm, pageAt(0)); got != Swapped {
		t.Fatalf("oldest page state got %v want %v", got, Swapped)
	}
	checkInvariants(t, mm.ft)

	if got := readUser(t, ctx, mm, pageAt(0), hostarch.PageSize); !bytes.Equal(got, pattern(0)) {
		t.Errorf("evicted page content not restored")
	}
}

func TestCleanFilePageIsDroppedNotSwapped(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 4)
	content := append(pattern(1), pattern(2)[:100]...)
	file := fsbridge.NewMemoryFile("prog", content)
	err := mm.LoadSegment(ctx, file, SegmentOpts{
		Addr:      base,
		ReadBytes: uint64(len(content)),
		ZeroBytes: 2*hostarch.PageSize - uint64(len(content)),
	})
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}

	if got := readUser(t, ctx, mm, pageAt(0), hostarch.PageSize); !bytes.Equal(got, pattern(1)) {
		t.Errorf("page 0 does not match the file")
	}
	got := readUser(t, ctx, mm, pageAt(1), hostarch.PageSize)
	want := append(pattern(2)[:100], make([]byte, hostarch.PageSize-100)...)
	if !bytes.Equal(got, want) {
		t.Errorf("page 1 is not file content followed by zeroes")
	}
	if got := stateOf(t, mm, pageAt(0)); got != NotPresent {
		t.Errorf("evicted clean file page state got %v want %v", got, NotPresent)
	}
	if s := mm.ft.Swap().Stats(); s.SwapOuts != 0 {
		t.Errorf("SwapOuts got %d want 0", s.SwapOuts)
	}
	if got := readUser(t, ctx, mm, pageAt(0), hostarch.PageSize); !bytes.Equal(got, pattern(1)) {
		t.Errorf("reloaded page 0 does not match the file")
	}
	if got := mm.ft.Stats().FileReads; got != 3 {
		t.Errorf("FileReads got %d want 3", got)
	}
}

func TestDirtyExecutablePageGoesToSwap(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 4)
	file := fsbridge.NewMemoryFile("prog", append(pattern(1), pattern(2)...))
	err := mm.LoadSegment(ctx, file, SegmentOpts{
		Addr:      base,
		ReadBytes: 2 * hostarch.PageSize,
		Writable:  true,
	})
	if err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	writeUser(t, ctx, mm, pageAt(0), []byte("patched"))
	readUser(t, ctx, mm, pageAt(1), 1)

	info, _ := mm.Lookup(pageAt(0))
	if info.State != Swapped {
		t.Fatalf("dirty executable page state got %v want %v", info.State, Swapped)
	}
	if _, ok := info.Origin.(AnonymousOrigin); !ok {
		t.Errorf("origin after swap-out got %v want anonymous", info.Origin)
	}
	if file.Writes() != 0 {
		t.Errorf("executable file was written %d times", file.Writes())
	}
	if got := readUser(t, ctx, mm, pageAt(0), 7); string(got) != "patched" {
		t.Errorf("swapped-in page got %q want %q", got, "patched")
	}
}

func TestDirtyMappedPageWritesBack(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 4)
	file := fsbridge.NewMemoryFile("data", make([]byte, hostarch.PageSize+10))
	id, err := mm.MMap(ctx, file, base)
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	if id != 0 {
		t.Errorf("first MapID got %d want 0", id)
	}
	writeUser(t, ctx, mm, pageAt(0), []byte("hello"))
	readUser(t, ctx, mm, pageAt(1), 1)

	if !bytes.HasPrefix(file.Bytes(), []byte("hello")) {
		t.Errorf("evicted mapped page was not written back")
	}
	if got := stateOf(t, mm, pageAt(0)); got != NotPresent {
		t.Errorf("written-back page state got %v want %v", got, NotPresent)
	}
	if s := mm.ft.Swap().Stats(); s.SwapOuts != 0 {
		t.Errorf("SwapOuts got %d want 0", s.SwapOuts)
	}
	if got := mm.ft.Stats().EvictWriteBacks; got != 1 {
		t.Errorf("EvictWriteBacks got %d want 1", got)
	}
	if got := readUser(t, ctx, mm, pageAt(0), 5); string(got) != "hello" {
		t.Errorf("reloaded page got %q want %q", got, "hello")
	}
}

func TestMUnmap(t *testing.T) {
	ctx, mm := testMemoryManager(t, 4, 4)
	file := fsbridge.NewMemoryFile("data", make([]byte, 2*hostarch.PageSize))
	id, err := mm.MMap(ctx, file, base)
	if err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	writeUser(t, ctx, mm, pageAt(1)+8, []byte("tail"))
	readUser(t, ctx, mm, pageAt(0), 1)

	if err := mm.MUnmap(ctx, id); err != nil {
		t.Fatalf("MUnmap failed: %v", err)
	}
	if got := string(file.Bytes()[hostarch.PageSize+8 : hostarch.PageSize+12]); got != "tail" {
		t.Errorf("file after MUnmap got %q want %q", got, "tail")
	}
	if got := file.Writes(); got != 1 {
		t.Errorf("file writes got %d want 1", got)
	}
	if _, ok := mm.Lookup(pageAt(0)); ok {
		t.Errorf("page still registered after MUnmap")
	}
	if got := mm.ft.Pool().Stats().Allocated; got != 0 {
		t.Errorf("frames allocated after MUnmap got %d want 0", got)
	}
	if err := mm.MUnmap(ctx, id); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("second MUnmap got %v want EINVAL", err)
	}
	checkInvariants(t, mm.ft)

	// The range is free again.
	if id, err := mm.MMap(ctx, file, base); err != nil || id != 1 {
		t.Errorf("MMap after MUnmap got (%d, %v) want (1, nil)", id, err)
	}
}

func TestMMapErrors(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 2)
	addAnon(t, ctx, mm, pageAt(4), 1)
	l := mm.Layout()
	file := fsbridge.NewMemoryFile("data", make([]byte, 2*hostarch.PageSize))

	for _, tc := range []struct {
		name string
		file fsbridge.File
		addr hostarch.Addr
	}{
		{"null", file, 0},
		{"unaligned", file, base + 1},
		{"empty file", fsbridge.NewMemoryFile("empty", nil), base},
		{"below user space", file, base - hostarch.PageSize},
		{"overlaps page", file, pageAt(3)},
		{"stack reserve", file, l.stackBottom() - hostarch.PageSize},
		{"kernel space", file, l.UserTop},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mm.MMap(ctx, tc.file, tc.addr); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("MMap got %v want EINVAL", err)
			}
		})
	}
	if got := mm.Mappings(); len(got) != 0 {
		t.Errorf("Mappings after failures got %v want none", got)
	}
	if id, err := mm.MMap(ctx, file, l.stackBottom()-2*hostarch.PageSize); err != nil || id != 0 {
		t.Errorf("MMap just below the stack reserve got (%d, %v) want (0, nil)", id, err)
	}
}

func TestFaultRejected(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 2)
	sp, err := mm.SetupStack(ctx)
	if err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}
	addAnon(t, ctx, mm, base, 1)

	for _, tc := range []struct {
		name  string
		fault Fault
	}{
		{"null", Fault{Addr: 0, User: true, NotPresent: true, SP: sp}},
		{"kernel address", Fault{Addr: mm.Layout().UserTop + 4, User: true, NotPresent: true, SP: sp}},
		{"below user base", Fault{Addr: base - 1, User: true, NotPresent: true, SP: sp}},
		{"protection violation", Fault{Addr: base, Write: true, User: true, SP: sp}},
		{"unregistered", Fault{Addr: base + 0x100000, User: true, NotPresent: true, SP: sp}},
		{"below stack reserve", Fault{Addr: mm.Layout().stackBottom() - 4, User: true, NotPresent: true, SP: mm.Layout().stackBottom()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.HandleUserFault(ctx, tc.fault); !linuxerr.Equals(linuxerr.EFAULT, err) {
				t.Errorf("HandleUserFault(%v) got %v want EFAULT", tc.fault, err)
			}
		})
	}
}

func TestStackGrowthBoundary(t *testing.T) {
	for _, tc := range []struct {
		name  string
		below hostarch.Addr
		ok    bool
	}{
		{"at stack pointer", 0, true},
		{"at slack boundary", DefaultStackSlack, true},
		{"one byte past slack", DefaultStackSlack + 1, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, mm := testMemoryManager(t, 4, 4)
			top, err := mm.SetupStack(ctx)
			if err != nil {
				t.Fatalf("SetupStack failed: %v", err)
			}
			// Every access lands in the unregistered page below the initial
			// stack page.
			grown := top - 2*hostarch.PageSize
			sp := grown + 64
			err = mm.HandleUserFault(ctx, Fault{Addr: sp - tc.below, Write: true, User: true, NotPresent: true, SP: sp})
			if got := err == nil; got != tc.ok {
				t.Fatalf("HandleUserFault got %v want success=%t", err, tc.ok)
			}
			if !tc.ok {
				if !linuxerr.Equals(linuxerr.EFAULT, err) {
					t.Errorf("HandleUserFault got %v want EFAULT", err)
				}
				if _, ok := mm.Lookup(grown); ok {
					t.Errorf("rejected fault registered a page")
				}
				return
			}
			if got := stateOf(t, mm, grown); got != Resident {
				t.Errorf("grown stack page state got %v want %v", got, Resident)
			}
		})
	}
}

func TestStackGrowthThroughCopyOut(t *testing.T) {
	ctx, mm := testMemoryManager(t, 4, 4)
	sp, err := mm.SetupStack(ctx)
	if err != nil {
		t.Fatalf("SetupStack failed: %v", err)
	}
	// Push a value spanning the initial page and the one below it.
	sp -= hostarch.PageSize + 4
	if _, err := mm.CopyOut(ctx, sp, []byte("argvargv"), IOOpts{SP: sp}); err != nil {
		t.Fatalf("CopyOut below the stack failed: %v", err)
	}
	if got := mm.NumPages(); got != 2 {
		t.Errorf("NumPages got %d want 2", got)
	}
}

func TestWriteToReadOnlyPage(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 2)
	file := fsbridge.NewMemoryFile("prog", pattern(1))
	if err := mm.LoadSegment(ctx, file, SegmentOpts{Addr: base, ReadBytes: hostarch.PageSize}); err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	// First touch is a not-present fault that loads the page, the retry is a
	// protection fault.
	if _, err := mm.CopyOut(ctx, base, []byte{1}, ioOpts(mm)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut to read-only page got %v want EFAULT", err)
	}
	if mm.PageTables().IsDirty(base) {
		t.Errorf("rejected write dirtied the page")
	}
}

func TestFailedLoadDiscardsFrame(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 2)
	// The segment claims more file bytes than the file has.
	file := fsbridge.NewMemoryFile("short", make([]byte, 100))
	if err := mm.LoadSegment(ctx, file, SegmentOpts{Addr: base, ReadBytes: hostarch.PageSize}); err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	if _, err := mm.CopyIn(ctx, base, make([]byte, 1), ioOpts(mm)); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn of unreadable page got %v want EFAULT", err)
	}
	if got := mm.ft.Pool().Stats().Allocated; got != 0 {
		t.Errorf("frames allocated got %d want 0", got)
	}
	if got := stateOf(t, mm, base); got != NotPresent {
		t.Errorf("page state got %v want %v", got, NotPresent)
	}
	checkInvariants(t, mm.ft)
}

func TestLoadSegmentErrors(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 1)
	file := fsbridge.NewMemoryFile("prog", pattern(0))
	for _, tc := range []struct {
		name string
		opts SegmentOpts
	}{
		{"empty", SegmentOpts{Addr: base}},
		{"partial page", SegmentOpts{Addr: base, ReadBytes: 100}},
		{"unaligned address", SegmentOpts{Addr: base + 8, ReadBytes: hostarch.PageSize}},
		{"unaligned offset", SegmentOpts{Addr: base, Offset: 8, ReadBytes: hostarch.PageSize}},
		{"kernel space", SegmentOpts{Addr: mm.Layout().UserTop, ZeroBytes: hostarch.PageSize}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.LoadSegment(ctx, file, tc.opts); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("LoadSegment got %v want EINVAL", err)
			}
		})
	}

	addAnon(t, ctx, mm, base, 1)
	if err := mm.LoadSegment(ctx, file, SegmentOpts{Addr: base, ReadBytes: hostarch.PageSize}); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("LoadSegment over an existing page got %v want EEXIST", err)
	}
}

func TestAllPinnedBlocksUntilUnpin(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 4)
	addAnon(t, ctx, mm, base, 3)
	for i := 0; i < 2; i++ {
		if err := mm.Pin(ctx, pageAt(i)); err != nil {
			t.Fatalf("Pin(%v) failed: %v", pageAt(i), err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := mm.CopyOut(ctx, pageAt(2), []byte("x"), ioOpts(mm))
		done <- err
	}()

	deadline := time.Now().Add(10 * time.Second)
	for mm.ft.Stats().PinnedWaits == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("allocation never reported that every frame is pinned")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("CopyOut completed with every frame pinned: %v", err)
	default:
	}
	if got := mm.ft.Stats().Evictions; got != 0 {
		t.Fatalf("Evictions while pinned got %d want 0", got)
	}

	if err := mm.Unpin(pageAt(0)); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("CopyOut after Unpin failed: %v", err)
	}
	if got := stateOf(t, mm, pageAt(0)); got != Swapped {
		t.Errorf("unpinned page state got %v want %v", got, Swapped)
	}
	if got := stateOf(t, mm, pageAt(1)); got != Resident {
		t.Errorf("pinned page state got %v want %v", got, Resident)
	}
	checkInvariants(t, mm.ft)
}

func TestPinErrors(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 1)
	if err := mm.Pin(ctx, base); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("Pin of unregistered page got %v want EFAULT", err)
	}
	addAnon(t, ctx, mm, base, 1)
	if err := mm.Unpin(base); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Unpin of unpinned page got %v want EINVAL", err)
	}
	// Pins nest.
	for i := 0; i < 2; i++ {
		if err := mm.Pin(ctx, base); err != nil {
			t.Fatalf("Pin failed: %v", err)
		}
	}
	mm.Unpin(base)
	if info, _ := mm.Lookup(base); !info.Pinned {
		t.Errorf("page unpinned after one of two Unpins")
	}
	mm.Unpin(base)
	if info, _ := mm.Lookup(base); info.Pinned {
		t.Errorf("page still pinned after both Unpins")
	}
}

func TestClockPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy  ClockPolicy
		victim  int
		survive int
	}{
		{ClockPersist, 2, 0},
		{ClockRestart, 0, 2},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			ctx := contexttest.Context(t)
			mm := NewMemoryManager(newTestFrameTable(t, 3, 8, tc.policy), DefaultLayout())
			addAnon(t, ctx, mm, base, 5)
			clearAccessed := func(pages ...int) {
				for _, i := range pages {
					mm.PageTables().SetAccessed(pageAt(i), false)
				}
			}

			// Frames in allocation order: 0 (pinned), 1, 2.
			if err := mm.Pin(ctx, pageAt(0)); err != nil {
				t.Fatalf("Pin failed: %v", err)
			}
			readUser(t, ctx, mm, pageAt(1), 1)
			readUser(t, ctx, mm, pageAt(2), 1)
			clearAccessed(1, 2)

			// Page 1 is the first unpinned, unaccessed frame.
			readUser(t, ctx, mm, pageAt(3), 1)
			if got := stateOf(t, mm, pageAt(1)); got != Swapped {
				t.Fatalf("first victim state got %v want %v", got, Swapped)
			}

			// Frames are now 0, 2, 3 and the hand rests on 2.
			mm.Unpin(pageAt(0))
			clearAccessed(0, 2, 3)
			readUser(t, ctx, mm, pageAt(4), 1)
			if got := stateOf(t, mm, pageAt(tc.victim)); got != Swapped {
				t.Errorf("page %d state got %v want %v", tc.victim, got, Swapped)
			}
			if got := stateOf(t, mm, pageAt(tc.survive)); got != Resident {
				t.Errorf("page %d state got %v want %v", tc.survive, got, Resident)
			}
		})
	}
}

func TestParseClockPolicy(t *testing.T) {
	for _, p := range []ClockPolicy{ClockPersist, ClockRestart} {
		if got, err := ParseClockPolicy(p.String()); err != nil || got != p {
			t.Errorf("ParseClockPolicy(%q) got (%v, %v) want (%v, nil)", p.String(), got, err, p)
		}
	}
	if _, err := ParseClockPolicy("lru"); err == nil {
		t.Errorf("ParseClockPolicy(lru) succeeded")
	}
}

func TestSwapExhaustionHalts(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 1)
	addAnon(t, ctx, mm, base, 3)
	writeUser(t, ctx, mm, pageAt(0), []byte{1})
	writeUser(t, ctx, mm, pageAt(1), []byte{2})

	defer func() {
		f, ok := errors.AsFatal(recover())
		if !ok {
			t.Fatalf("exhausting frames and swap did not halt")
		}
		if f.Op != "swap out" {
			t.Errorf("halt Op got %q want %q", f.Op, "swap out")
		}
	}()
	mm.CopyOut(ctx, pageAt(2), []byte{3}, ioOpts(mm))
}

// brokenFile is a mapped file that can be read but not written.
type brokenFile struct {
	*fsbridge.MemoryFile
}

func (f brokenFile) WriteAt(context.Context, []byte, int64) (int, error) {
	return 0, linuxerr.EIO
}

func (f brokenFile) Reopen(context.Context) (fsbridge.File, error) {
	return f, nil
}

func TestEvictWriteBackFailureHalts(t *testing.T) {
	ctx, mm := testMemoryManager(t, 1, 4)
	file := brokenFile{fsbridge.NewMemoryFile("data", []byte("original"))}
	if _, err := mm.MMap(ctx, file, pageAt(8)); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	addAnon(t, ctx, mm, base, 1)
	writeUser(t, ctx, mm, pageAt(8), []byte("modified"))

	defer func() {
		f, ok := errors.AsFatal(recover())
		if !ok {
			t.Fatalf("evicting a page whose write-back fails did not halt")
		}
		if f.Op != "evict" {
			t.Errorf("halt Op got %q want %q", f.Op, "evict")
		}
		if got := string(file.Bytes()); got != "original" {
			t.Errorf("file content got %q want %q", got, "original")
		}
	}()
	// The only frame holds the dirty mapped page, so this fault evicts it.
	mm.CopyOut(ctx, base, []byte{1}, ioOpts(mm))
}

func TestReleaseReturnsEverything(t *testing.T) {
	ft := newTestFrameTable(t, 3, 8, ClockPersist)
	ctx := contexttest.Context(t)
	a := NewMemoryManager(ft, DefaultLayout())
	b := NewMemoryManager(ft, DefaultLayout())

	addAnon(t, ctx, a, base, 4)
	file := fsbridge.NewMemoryFile("data", make([]byte, hostarch.PageSize))
	if _, err := a.MMap(ctx, file, pageAt(8)); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		writeUser(t, ctx, a, pageAt(i), pattern(i))
	}
	writeUser(t, ctx, a, pageAt(8), []byte("mapped"))
	addAnon(t, ctx, b, base, 1)
	writeUser(t, ctx, b, base, pattern(9))

	a.Release(ctx)
	a.Release(ctx)
	checkInvariants(t, ft)

	if got := ft.Swap().Stats().Used; got != 0 {
		t.Errorf("swap slots used after Release got %d want 0", got)
	}
	if got := ft.Stats().Committed; got != 1 {
		t.Errorf("committed frames after Release got %d want 1", got)
	}
	if got := string(file.Bytes()[:6]); got != "mapped" {
		t.Errorf("mapped file after Release got %q want %q", got, "mapped")
	}
	if got := a.NumPages(); got != 0 {
		t.Errorf("NumPages after Release got %d want 0", got)
	}
	if err := a.HandleUserFault(ctx, Fault{Addr: base, User: true, NotPresent: true}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("fault after Release got %v want EFAULT", err)
	}
	if got := readUser(t, ctx, b, base, hostarch.PageSize); !bytes.Equal(got, pattern(9)) {
		t.Errorf("surviving process lost its page")
	}
}

func TestCheckInvariantsDetectsCorruption(t *testing.T) {
	ctx, mm := testMemoryManager(t, 2, 2)
	addAnon(t, ctx, mm, base, 1)
	writeUser(t, ctx, mm, base, []byte{1})
	checkInvariants(t, mm.ft)

	mm.indexMu.RLock()
	h, _ := mm.lookupIndexLocked(base)
	mm.indexMu.RUnlock()
	mm.ft.mu.Lock()
	p := mm.pages.get(h)
	saved := p.loc
	p.loc = swapped{slot: 0}
	mm.ft.mu.Unlock()

	if err := mm.ft.CheckInvariants(); err == nil {
		t.Errorf("CheckInvariants accepted a frame backing a swapped page")
	}

	mm.ft.mu.Lock()
	p.loc = saved
	mm.ft.mu.Unlock()
	checkInvariants(t, mm.ft)
}

func TestStalePageHandle(t *testing.T) {
	var a pageArena
	h := a.add(&pageEntry{vaddr: base})
	a.remove(h)
	h2 := a.add(&pageEntry{vaddr: base + hostarch.PageSize})
	if h2.index != h.index {
		t.Fatalf("arena did not reuse the free slot")
	}
	if p := a.get(h); p != nil {
		t.Errorf("stale %v resolved to %v", h, p.vaddr)
	}
	if p := a.get(h2); p == nil || p.vaddr != base+hostarch.PageSize {
		t.Errorf("get(%v) got %v", h2, p)
	}
	if got := a.count(); got != 1 {
		t.Errorf("count got %d want 1", got)
	}
}
