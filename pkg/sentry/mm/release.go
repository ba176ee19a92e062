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
	"gvisor.dev/vmcore/pkg/sentry/context"
)

// Release tears down the address space at process exit. Mapped files are
// written back and closed, and every frame and swap slot held by the process
// is returned. Release is idempotent and safe to call while other processes
// fault. Write-back errors are logged, since the process is already gone.
func (mm *MemoryManager) Release(ctx context.Context) {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released {
		return
	}
	mm.released = true

	for _, id := range mm.mappingIDsLocked() {
		if err := mm.unmapLocked(ctx, id); err != nil {
			ctx.Warningf("Releasing mapping %d: %v", id, err)
		}
	}

	ft := mm.ft
	ft.mu.Lock()
	var frames, slots int
	for _, it := range mm.pagesLocked() {
		info := mm.pages.get(it.handle).info()
		switch info.State {
		case Resident:
			frames++
		case Swapped:
			slots++
		}
		// Remaining pages are anonymous or executable; nothing to write back.
		mm.releasePageLocked(ctx, it.handle, false /* writeBack */)
		mm.removeLocked(it.handle, it.addr)
	}
	ft.removeOwnerLocked(mm)
	ft.mu.Unlock()

	for _, f := range mm.segmentFiles {
		if err := f.Close(); err != nil {
			ctx.Warningf("Closing segment file %s: %v", f.Name(), err)
		}
	}
	mm.segmentFiles = nil
	ctx.Debugf("Released address space: %d frames, %d swap slots", frames, slots)
}
