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

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Maps returns a description of every registered page in ascending address
// order, one line each, in the spirit of /proc/[pid]/maps:
//
//	08048000-08049000 rw-p anon resident frame#3
func (mm *MemoryManager) Maps() string {
	mm.indexMu.RLock()
	items := mm.pagesLocked()
	mm.indexMu.RUnlock()

	var b bytes.Buffer
	mm.ft.mu.Lock()
	defer mm.ft.mu.Unlock()
	for _, it := range items {
		p := mm.pages.get(it.handle)
		if p == nil {
			continue
		}
		b.WriteString(mapsEntry(p.info()))
	}
	return b.String()
}

// mapsEntry formats one line of Maps, including the trailing newline.
func mapsEntry(info PageInfo) string {
	perms := []byte("r--p")
	if info.Writable {
		perms[1] = 'w'
	}
	if info.MapID != noMapping {
		perms[3] = 's'
	}
	var where string
	switch info.State {
	case Resident:
		where = fmt.Sprintf("resident %v", info.Frame)
	case Swapped:
		where = fmt.Sprintf("swapped %v", info.Slot)
	default:
		where = info.State.String()
	}
	if info.Pinned {
		where += " pinned"
	}
	return fmt.Sprintf("%08x-%08x %s %v %s\n", uint64(info.Addr), uint64(info.Addr+hostarch.PageSize), perms, info.Origin, where)
}
