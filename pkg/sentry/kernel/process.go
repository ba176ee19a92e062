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

package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	// ErrExited is returned by operations on a process that has exited.
	ErrExited = errors.New(unix.ESRCH, "process has exited")

	// ErrShutdown is returned by NewProcess after Shutdown.
	ErrShutdown = errors.New(unix.ESHUTDOWN, "kernel is shut down")
)

// PID identifies a process.
type PID int32

// killedStatus is the exit status of a process killed by a fatal error.
const killedStatus = -1

// Process is a user program with one thread of execution and its own
// address space.
type Process struct {
	// The following fields are immutable.
	k    *Kernel
	pid  PID
	name string
	mm   *mm.MemoryManager

	// ctx is the context of the process's thread. It is set by NewProcess
	// and immutable afterwards.
	ctx context.Context

	// mu serializes the operations of the process's thread.
	mu sync.Mutex

	// sp is the user stack pointer.
	//
	// +checklocks:mu
	sp hostarch.Addr

	// +checklocks:mu
	exited bool

	// +checklocks:mu
	exitStatus int
}

// PID returns the process ID.
func (p *Process) PID() PID {
	return p.pid
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// MemoryManager returns the process's address space.
func (p *Process) MemoryManager() *mm.MemoryManager {
	return p.mm
}

// Context returns the context of the process's thread.
func (p *Process) Context() context.Context {
	return p.ctx
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%s[%d]", p.name, p.pid)
}

// SP returns the user stack pointer.
func (p *Process) SP() hostarch.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sp
}

// ExitStatus returns the exit status, if the process has exited.
func (p *Process) ExitStatus() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.exited
}

// checkFatalLocked terminates the process if err is not nil, and returns err.
//
// +checklocks:p.mu
func (p *Process) checkFatalLocked(err error) error {
	if err == nil {
		return nil
	}
	p.ctx.Infof("%v: fatal: %v", p, err)
	p.exitLocked(killedStatus)
	p.k.processesKilled.Increment()
	return err
}

func (p *Process) kill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkFatalLocked(err)
}

// LoadSegment registers a program segment. A failure terminates the process.
func (p *Process) LoadSegment(file fsbridge.File, opts mm.SegmentOpts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrExited
	}
	return p.checkFatalLocked(p.mm.LoadSegment(p.ctx, file, opts))
}

// MMap maps file at addr. Unlike faults, a failed mmap is reported to the
// caller and the process survives.
func (p *Process) MMap(file fsbridge.File, addr hostarch.Addr) (mm.MapID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, ErrExited
	}
	return p.mm.MMap(p.ctx, file, addr)
}

// MUnmap removes a mapping created by MMap.
func (p *Process) MUnmap(id mm.MapID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrExited
	}
	return p.mm.MUnmap(p.ctx, id)
}

// Read reads n bytes of user memory at addr. An invalid access terminates
// the process.
func (p *Process) Read(addr hostarch.Addr, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil, ErrExited
	}
	buf := make([]byte, n)
	if _, err := p.mm.CopyIn(p.ctx, addr, buf, mm.IOOpts{SP: p.sp}); err != nil {
		return nil, p.checkFatalLocked(err)
	}
	return buf, nil
}

// Write writes data to user memory at addr. An invalid access terminates
// the process.
func (p *Process) Write(addr hostarch.Addr, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrExited
	}
	_, err := p.mm.CopyOut(p.ctx, addr, data, mm.IOOpts{SP: p.sp})
	return p.checkFatalLocked(err)
}

// Push moves the stack pointer down by len(data) and stores data there, as a
// push instruction would. The stack grows as needed.
func (p *Process) Push(data []byte) (hostarch.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, ErrExited
	}
	sp := p.sp - hostarch.Addr(len(data))
	if sp > p.sp {
		return 0, p.checkFatalLocked(fmt.Errorf("push of %d bytes underflows %v: %w", len(data), p.sp, linuxerr.EFAULT))
	}
	if _, err := p.mm.CopyOut(p.ctx, sp, data, mm.IOOpts{SP: sp}); err != nil {
		return 0, p.checkFatalLocked(err)
	}
	p.sp = sp
	return sp, nil
}

// Pin pins the page containing addr, as a system call does while it works
// on a user buffer.
func (p *Process) Pin(addr hostarch.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrExited
	}
	return p.checkFatalLocked(p.mm.Pin(p.ctx, addr))
}

// Unpin drops a pin taken by Pin.
func (p *Process) Unpin(addr hostarch.Addr) error {
	return p.mm.Unpin(addr)
}

// Exit terminates the process with status and releases its memory. Exiting
// twice has no effect.
func (p *Process) Exit(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(status)
}

// +checklocks:p.mu
func (p *Process) exitLocked(status int) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitStatus = status
	p.ctx.Infof("%s: exit(%d)", p.name, status)
	p.mm.Release(p.ctx)
	p.k.removeProcess(p)
}
