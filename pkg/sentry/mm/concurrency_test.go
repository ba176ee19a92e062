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
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context/contexttest"
	"gvisor.dev/vmcore/pkg/sync"
)

// TestConcurrentProcesses runs several address spaces that together need
// several times more memory than the pool holds. Every process touches all of
// its pages before any of them starts releasing, so the working sets compete
// for frames even when the goroutines never overlap on a CPU.
func TestConcurrentProcesses(t *testing.T) {
	const (
		procs  = 4
		pages  = 6
		rounds = 3
	)
	ft := newTestFrameTable(t, 8, 64, ClockPersist)
	ctx := contexttest.Context(t)

	var (
		g       errgroup.Group
		touched sync.WaitGroup
	)
	touched.Add(procs)
	for p := 0; p < procs; p++ {
		mm := NewMemoryManager(ft, DefaultLayout())
		addAnon(t, ctx, mm, base, pages)
		g.Go(func() error {
			defer mm.Release(ctx)
			write := func(r int) error {
				for i := 0; i < pages; i++ {
					if _, err := mm.CopyOut(ctx, pageAt(i), pattern(p*100+r*10+i), ioOpts(mm)); err != nil {
						return fmt.Errorf("process %d: CopyOut page %d: %w", p, i, err)
					}
				}
				return nil
			}
			err := write(0)
			touched.Done()
			touched.Wait()
			if err != nil {
				return err
			}
			buf := make([]byte, hostarch.PageSize)
			for r := 0; r < rounds; r++ {
				if r > 0 {
					if err := write(r); err != nil {
						return err
					}
				}
				for i := 0; i < pages; i++ {
					if _, err := mm.CopyIn(ctx, pageAt(i), buf, ioOpts(mm)); err != nil {
						return fmt.Errorf("process %d: CopyIn page %d: %w", p, i, err)
					}
					if !bytes.Equal(buf, pattern(p*100+r*10+i)) {
						return fmt.Errorf("process %d round %d: page %d corrupted", p, r, i)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	checkInvariants(t, ft)
	if got := ft.Stats().Committed; got != 0 {
		t.Errorf("committed frames after every Release got %d want 0", got)
	}
	if got := ft.Swap().Stats().Used; got != 0 {
		t.Errorf("swap slots used after every Release got %d want 0", got)
	}
	if ft.Stats().Evictions == 0 {
		t.Errorf("no evictions with %d pages in %d frames", procs*pages, 8)
	}
}
