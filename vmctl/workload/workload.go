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

// Package workload describes scripted processes that exercise a kernel's
// virtual memory: segments to load, files to map, and user memory accesses
// to perform. Workloads are written in YAML.
package workload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
)

// Op is the kind of a step.
type Op string

// Step operations.
const (
	OpWrite  Op = "write"
	OpRead   Op = "read"
	OpPush   Op = "push"
	OpMMap   Op = "mmap"
	OpMUnmap Op = "munmap"
	OpPin    Op = "pin"
	OpUnpin  Op = "unpin"
	OpExit   Op = "exit"
)

// Workload is a set of processes run concurrently against one kernel.
type Workload struct {
	// Files are the files that segments and mappings refer to, by name.
	Files map[string]FileSpec `yaml:"files"`

	// Processes are started in order and then run concurrently.
	Processes []ProcessSpec `yaml:"processes"`

	// dir resolves relative host paths.
	dir string
}

// FileSpec describes a file. Exactly one of Path, Data and Size is set.
type FileSpec struct {
	// Path is a host file, relative to the workload file.
	Path string `yaml:"path"`

	// Data is the literal contents of an in-memory file.
	Data string `yaml:"data"`

	// Size creates an in-memory file of Size patterned bytes.
	Size int `yaml:"size"`
}

// ProcessSpec describes one process.
type ProcessSpec struct {
	Name     string        `yaml:"name"`
	Segments []SegmentSpec `yaml:"segments"`
	Steps    []Step        `yaml:"steps"`

	// ExpectExit, if set, is the exit status the process must end with. A
	// process killed by an invalid access exits with -1.
	ExpectExit *int `yaml:"expect_exit"`
}

// SegmentSpec describes a program segment, as an ELF loader would pass it.
type SegmentSpec struct {
	File      string `yaml:"file"`
	Offset    int64  `yaml:"offset"`
	Addr      uint64 `yaml:"addr"`
	ReadBytes uint64 `yaml:"read_bytes"`
	ZeroBytes uint64 `yaml:"zero_bytes"`
	Writable  bool   `yaml:"writable"`
}

// Step is one action of a process.
type Step struct {
	Op Op `yaml:"op"`

	// Addr is the user address for write, read, mmap, pin and unpin.
	Addr uint64 `yaml:"addr"`

	// Data is written by write and push.
	Data string `yaml:"data"`

	// Expect is the content read must return. Len defaults to its length.
	Expect string `yaml:"expect"`
	Len    int    `yaml:"len"`

	// Repeat performs the step Repeat times, advancing Addr by Stride each
	// time. Zero means once.
	Repeat int    `yaml:"repeat"`
	Stride uint64 `yaml:"stride"`

	// File is the file mapped by mmap.
	File string `yaml:"file"`

	// Map labels the mapping created by mmap, for a later munmap.
	Map string `yaml:"map"`

	// ExpectError marks an mmap, munmap or unpin that must fail.
	ExpectError bool `yaml:"expect_error"`

	// Status is the exit status for exit.
	Status int `yaml:"status"`
}

// Load reads a workload file.
func Load(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open workload: %w", err)
	}
	defer f.Close()
	w, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("workload %q: %w", path, err)
	}
	w.dir = filepath.Dir(path)
	return w, nil
}

// Parse decodes and validates a workload. Unknown fields are an error.
func Parse(r io.Reader) (*Workload, error) {
	var w Workload
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("unable to decode: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks that names resolve and steps are well formed.
func (w *Workload) Validate() error {
	for name, fs := range w.Files {
		set := 0
		if fs.Path != "" {
			set++
		}
		if fs.Data != "" {
			set++
		}
		if fs.Size != 0 {
			set++
		}
		if set != 1 || fs.Size < 0 {
			return fmt.Errorf("file %q: exactly one of path, data and a positive size must be set", name)
		}
	}
	if len(w.Processes) == 0 {
		return fmt.Errorf("no processes")
	}
	names := make(map[string]struct{})
	for i := range w.Processes {
		ps := &w.Processes[i]
		if ps.Name == "" {
			return fmt.Errorf("process %d has no name", i)
		}
		if _, ok := names[ps.Name]; ok {
			return fmt.Errorf("duplicate process %q", ps.Name)
		}
		names[ps.Name] = struct{}{}
		for _, seg := range ps.Segments {
			if _, ok := w.Files[seg.File]; !ok && seg.ReadBytes > 0 {
				return fmt.Errorf("process %q: segment at %#x reads unknown file %q", ps.Name, seg.Addr, seg.File)
			}
		}
		maps := make(map[string]struct{})
		for j, st := range ps.Steps {
			if err := w.validateStep(st, maps); err != nil {
				return fmt.Errorf("process %q step %d: %w", ps.Name, j, err)
			}
		}
	}
	return nil
}

func (w *Workload) validateStep(st Step, maps map[string]struct{}) error {
	if st.Repeat < 0 {
		return fmt.Errorf("negative repeat %d", st.Repeat)
	}
	switch st.Op {
	case OpWrite, OpPush:
		if st.Data == "" {
			return fmt.Errorf("%s without data", st.Op)
		}
	case OpRead:
		if st.Len <= 0 && st.Expect == "" {
			return fmt.Errorf("read without len or expect")
		}
		if st.Expect != "" && st.Len != 0 && st.Len != len(st.Expect) {
			return fmt.Errorf("read of %d bytes expects %d", st.Len, len(st.Expect))
		}
	case OpMMap:
		if _, ok := w.Files[st.File]; !ok {
			return fmt.Errorf("mmap of unknown file %q", st.File)
		}
		if st.Map != "" {
			maps[st.Map] = struct{}{}
		}
	case OpMUnmap:
		if _, ok := maps[st.Map]; !ok {
			return fmt.Errorf("munmap of unknown mapping %q", st.Map)
		}
	case OpPin, OpUnpin, OpExit:
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// openFiles creates the workload's files.
func (w *Workload) openFiles(ctx context.Context) (map[string]fsbridge.File, error) {
	files := make(map[string]fsbridge.File, len(w.Files))
	for name, fs := range w.Files {
		switch {
		case fs.Path != "":
			path := fs.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(w.dir, path)
			}
			f, err := fsbridge.OpenHost(path, true /* writable */)
			if err != nil {
				closeFiles(ctx, files)
				return nil, fmt.Errorf("file %q: %w", name, err)
			}
			files[name] = f
		case fs.Data != "":
			files[name] = fsbridge.NewMemoryFile(name, []byte(fs.Data))
		default:
			files[name] = fsbridge.NewMemoryFile(name, Pattern(fs.Size))
		}
	}
	return files, nil
}

func closeFiles(ctx context.Context, files map[string]fsbridge.File) {
	for name, f := range files {
		if err := f.Close(); err != nil {
			ctx.Warningf("Closing workload file %q: %v", name, err)
		}
	}
}

// Pattern returns n bytes in which each byte identifies its page and
// offset, so misplaced pages are detectable.
func Pattern(n int) []byte {
	var b bytes.Buffer
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(byte(i/hostarch.PageSize*7 + i%251))
	}
	return b.Bytes()
}
