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

package workload

import (
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// ProcessResult reports how a process ended.
type ProcessResult struct {
	Name       string
	PID        kernel.PID
	ExitStatus int

	// Steps is the number of steps completed before the process exited.
	Steps int
}

// Report is the outcome of a workload run.
type Report struct {
	Processes []ProcessResult
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	var b strings.Builder
	for _, pr := range r.Processes {
		fmt.Fprintf(&b, "%s[%d]: exit(%d) after %d steps\n", pr.Name, pr.PID, pr.ExitStatus, pr.Steps)
	}
	return b.String()
}

// Run runs w on k. Processes are created in order and then run
// concurrently. A process that is still alive after its last step exits
// with status 0. The first failed expectation is returned along with the
// report.
func Run(ctx context.Context, k *kernel.Kernel, w *Workload) (*Report, error) {
	files, err := w.openFiles(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFiles(ctx, files)

	procs := make([]*kernel.Process, 0, len(w.Processes))
	for _, ps := range w.Processes {
		p, err := k.NewProcess(ps.Name)
		if err != nil {
			for _, p := range procs {
				p.Exit(0)
			}
			return nil, fmt.Errorf("starting %q: %w", ps.Name, err)
		}
		procs = append(procs, p)
	}

	report := &Report{Processes: make([]ProcessResult, len(procs))}
	var g errgroup.Group
	for i, p := range procs {
		r := &runner{
			p:     p,
			ps:    &w.Processes[i],
			files: files,
			maps:  make(map[string]mm.MapID),
		}
		g.Go(func() error {
			var err error
			report.Processes[i], err = r.run()
			return err
		})
	}
	err = g.Wait()
	return report, err
}

// runner drives one process.
type runner struct {
	p     *kernel.Process
	ps    *ProcessSpec
	files map[string]fsbridge.File
	maps  map[string]mm.MapID
}

func (r *runner) exited() bool {
	_, exited := r.p.ExitStatus()
	return exited
}

func (r *runner) run() (ProcessResult, error) {
	res := ProcessResult{Name: r.p.Name(), PID: r.p.PID()}
	err := r.runSteps(&res)
	if !r.exited() {
		r.p.Exit(0)
	}
	res.ExitStatus, _ = r.p.ExitStatus()
	if err == nil && r.ps.ExpectExit != nil && *r.ps.ExpectExit != res.ExitStatus {
		err = fmt.Errorf("%v: exit status %d, want %d", r.p, res.ExitStatus, *r.ps.ExpectExit)
	}
	return res, err
}

func (r *runner) runSteps(res *ProcessResult) error {
	for _, seg := range r.ps.Segments {
		err := r.p.LoadSegment(r.files[seg.File], mm.SegmentOpts{
			Offset:    seg.Offset,
			Addr:      hostarch.Addr(seg.Addr),
			ReadBytes: seg.ReadBytes,
			ZeroBytes: seg.ZeroBytes,
			Writable:  seg.Writable,
		})
		if err != nil {
			// The process has been terminated.
			return nil
		}
	}
	for i, st := range r.ps.Steps {
		if err := r.step(st); err != nil {
			return fmt.Errorf("%v: step %d (%s): %w", r.p, i, st.Op, err)
		}
		if r.exited() {
			return nil
		}
		res.Steps++
	}
	return nil
}

func (r *runner) step(st Step) error {
	n := max(st.Repeat, 1)
	for i := 0; i < n; i++ {
		addr := hostarch.Addr(st.Addr + uint64(i)*st.Stride)
		if err := r.do(st, addr); err != nil {
			return err
		}
		if r.exited() {
			return nil
		}
	}
	return nil
}

func (r *runner) do(st Step, addr hostarch.Addr) error {
	p := r.p
	var err error
	switch st.Op {
	case OpWrite:
		err = p.Write(addr, []byte(st.Data))
	case OpRead:
		n := st.Len
		if n == 0 {
			n = len(st.Expect)
		}
		var got []byte
		got, err = p.Read(addr, n)
		if err == nil && st.Expect != "" && string(got) != st.Expect {
			return fmt.Errorf("read at %v got %q want %q", addr, got, st.Expect)
		}
	case OpPush:
		_, err = p.Push([]byte(st.Data))
	case OpMMap:
		var id mm.MapID
		id, err = p.MMap(r.files[st.File], addr)
		if err == nil && st.Map != "" {
			r.maps[st.Map] = id
		}
	case OpMUnmap:
		id, ok := r.maps[st.Map]
		if !ok {
			return fmt.Errorf("mapping %q was never created", st.Map)
		}
		delete(r.maps, st.Map)
		err = p.MUnmap(id)
	case OpPin:
		err = p.Pin(addr)
	case OpUnpin:
		err = p.Unpin(addr)
	case OpExit:
		p.Exit(st.Status)
	default:
		panic(fmt.Sprintf("unknown op %q", st.Op))
	}

	switch {
	case err == nil && st.ExpectError:
		return fmt.Errorf("%s at %v succeeded, want an error", st.Op, addr)
	case err != nil && !st.ExpectError && !r.exited():
		return fmt.Errorf("%s at %v: %w", st.Op, addr, err)
	}
	return nil
}
