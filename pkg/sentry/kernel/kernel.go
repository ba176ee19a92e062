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

// Package kernel ties the VM core together: a Kernel owns physical memory,
// the swap area and the frame table, and runs Processes whose address
// spaces page against them.
//
// A process-fatal error (an invalid page fault, a failed segment load)
// terminates only the offending process. Kernel-fatal conditions halt by
// panicking with an *errors.Fatal.
package kernel

import (
	"fmt"
	"sort"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/devices/blockdev"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/pkg/sync"
)

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

const (
	// CtxKernel is a Context.Value key for a Kernel.
	CtxKernel contextID = iota

	// CtxProcess is a Context.Value key for a Process.
	CtxProcess
)

// KernelFromContext returns the Kernel in which ctx is executing, or nil if
// there is no such Kernel.
func KernelFromContext(ctx context.Context) *Kernel {
	if v := ctx.Value(CtxKernel); v != nil {
		return v.(*Kernel)
	}
	return nil
}

// ProcessFromContext returns the Process ctx acts for, or nil.
func ProcessFromContext(ctx context.Context) *Process {
	if v := ctx.Value(CtxProcess); v != nil {
		return v.(*Process)
	}
	return nil
}

// InitKernelArgs holds arguments to New.
type InitKernelArgs struct {
	// Frames is the number of physical frames available to user pages.
	Frames uint32

	// Devices holds the block devices. The device with role
	// blockdev.RoleSwap becomes the swap area. The kernel closes Devices on
	// Shutdown.
	Devices *blockdev.Registry

	// Layout is the address space layout of every process.
	Layout mm.Layout

	// FrameTable configures eviction.
	FrameTable mm.FrameTableOpts
}

// Kernel represents the global state of the VM core.
type Kernel struct {
	// ctx is the context processes derive theirs from. It is immutable.
	ctx context.Context

	// The following fields are immutable.
	devices *blockdev.Registry
	pool    *pgalloc.Pool
	swap    *swap.Manager
	ft      *mm.FrameTable
	layout  mm.Layout
	metrics *metric.Registry

	processesStarted *metric.Uint64Metric
	processesKilled  *metric.Uint64Metric

	mu sync.Mutex

	// processes are the live processes.
	//
	// +checklocks:mu
	processes map[PID]*Process

	// +checklocks:mu
	nextPID PID

	// +checklocks:mu
	shutdown bool
}

// New creates a kernel. If no swap device is registered the kernel halts.
func New(ctx context.Context, args InitKernelArgs) (*Kernel, error) {
	if err := args.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	sw := swap.Init(args.Devices)
	pool, err := pgalloc.NewPool(args.Frames)
	if err != nil {
		return nil, fmt.Errorf("creating frame pool: %w", err)
	}
	k := &Kernel{
		devices:   args.Devices,
		pool:      pool,
		swap:      sw,
		ft:        mm.NewFrameTable(pool, sw, args.FrameTable),
		layout:    args.Layout,
		metrics:   metric.NewRegistry(),
		processes: make(map[PID]*Process),
		nextPID:   1,
	}
	k.ctx = context.WithValue(ctx, CtxKernel, k)
	k.registerMetrics()
	ctx.Infof("Kernel: %d frames of %d bytes, %d swap slots, user space %v, %v clock",
		args.Frames, hostarch.PageSize, sw.Stats().Slots, hostarch.AddrRange{Start: args.Layout.UserBase, End: args.Layout.UserTop}, args.FrameTable.Policy)
	return k, nil
}

func (k *Kernel) registerMetrics() {
	r := k.metrics
	k.processesStarted = r.MustCreateNewUint64Metric("vm_processes_started_total", "Processes created.")
	k.processesKilled = r.MustCreateNewUint64Metric("vm_processes_killed_total", "Processes terminated by a fatal fault.")

	ftStat := func(name string, cumulative bool, help string, get func(mm.FrameStats) uint64) {
		r.MustRegisterCustomUint64Metric(name, cumulative, help, func() uint64 { return get(k.ft.Stats()) })
	}
	ftStat("vm_frames_capacity", false, "Physical frames in the pool.", func(s mm.FrameStats) uint64 { return s.Capacity })
	ftStat("vm_frames_committed", false, "Frames backing user pages.", func(s mm.FrameStats) uint64 { return s.Committed })
	ftStat("vm_evictions_total", true, "Frames reclaimed by the clock.", func(s mm.FrameStats) uint64 { return s.Evictions })
	ftStat("vm_second_chances_total", true, "Accessed bits cleared by the clock.", func(s mm.FrameStats) uint64 { return s.SecondChances })
	ftStat("vm_evict_swap_outs_total", true, "Evicted pages written to swap.", func(s mm.FrameStats) uint64 { return s.EvictSwapOuts })
	ftStat("vm_evict_write_backs_total", true, "Evicted pages written back to their file.", func(s mm.FrameStats) uint64 { return s.EvictWriteBacks })
	ftStat("vm_evict_drops_total", true, "Clean file pages evicted without I/O.", func(s mm.FrameStats) uint64 { return s.EvictDrops })
	ftStat("vm_pinned_waits_total", true, "Allocations that waited because every frame was pinned.", func(s mm.FrameStats) uint64 { return s.PinnedWaits })
	ftStat("vm_zero_fills_total", true, "Faults resolved by zero filling.", func(s mm.FrameStats) uint64 { return s.ZeroFills })
	ftStat("vm_file_reads_total", true, "Faults resolved by reading a file.", func(s mm.FrameStats) uint64 { return s.FileReads })
	ftStat("vm_swap_ins_total", true, "Faults resolved from swap.", func(s mm.FrameStats) uint64 { return s.SwapIns })

	r.MustRegisterCustomUint64Metric("vm_swap_slots", false, "Slots in the swap area.", func() uint64 { return k.swap.Stats().Slots })
	r.MustRegisterCustomUint64Metric("vm_swap_slots_used", false, "Occupied swap slots.", func() uint64 { return k.swap.Stats().Used })
	r.MustRegisterCustomUint64Metric("vm_processes", false, "Live processes.", func() uint64 { return uint64(len(k.Processes())) })
}

// FrameTable returns the kernel's frame table.
func (k *Kernel) FrameTable() *mm.FrameTable {
	return k.ft
}

// Swap returns the kernel's swap manager.
func (k *Kernel) Swap() *swap.Manager {
	return k.swap
}

// Metrics returns the kernel's metrics.
func (k *Kernel) Metrics() *metric.Registry {
	return k.metrics
}

// CheckInvariants verifies the frame table and swap bookkeeping of all
// processes.
func (k *Kernel) CheckInvariants() error {
	return k.ft.CheckInvariants()
}

// NewProcess creates a process with an empty address space and its initial
// stack page.
func (k *Kernel) NewProcess(name string) (*Process, error) {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return nil, ErrShutdown
	}
	pid := k.nextPID
	k.nextPID++
	p := &Process{
		k:    k,
		pid:  pid,
		name: name,
		mm:   mm.NewMemoryManager(k.ft, k.layout),
	}
	// Shutdown may exit p as soon as it is in k.processes.
	p.ctx = context.WithValue(context.WithValue(k.ctx, context.CtxProcessName, name), CtxProcess, p)
	k.processes[pid] = p
	k.mu.Unlock()

	k.processesStarted.Increment()
	sp, err := p.mm.SetupStack(p.ctx)
	if err != nil {
		p.kill(err)
		return nil, err
	}
	p.sp = sp
	p.ctx.Debugf("Started process %d %q", pid, name)
	return p, nil
}

// Processes returns the live processes ordered by PID.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps := make([]*Process, 0, len(k.processes))
	for _, p := range k.processes {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].pid < ps[j].pid })
	return ps
}

func (k *Kernel) removeProcess(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.processes, p.pid)
}

// Shutdown terminates every live process, then releases physical memory and
// closes the block devices. The kernel is unusable afterwards.
func (k *Kernel) Shutdown() error {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return nil
	}
	k.shutdown = true
	k.mu.Unlock()

	for _, p := range k.Processes() {
		p.Exit(0)
	}
	err := k.devices.Close()
	if perr := k.pool.Close(); perr != nil && err == nil {
		err = perr
	}
	k.ctx.Infof("Kernel shut down")
	return err
}
