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

// Package errors holds the standardized error definitions for the VM core.
//
// Two tiers exist. An *Error carries an errno and is returned to callers;
// it terminates at most the offending process. A *Fatal is never returned: it
// is raised with Halt when the kernel cannot continue, for example when both
// physical memory and swap are exhausted.
package errors

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/log"
)

// Error represents a syscall errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Fatal describes an unrecoverable kernel condition. It is the value passed
// to panic by Halt.
type Fatal struct {
	// Op names the subsystem operation that could not continue, e.g.
	// "swap out".
	Op string

	// Msg describes the violated resource or invariant.
	Msg string
}

// Error implements error.Error.
func (f *Fatal) Error() string {
	return fmt.Sprintf("kernel halt in %s: %s", f.Op, f.Msg)
}

// Halt stops the kernel by panicking with a *Fatal.
func Halt(op string, format string, v ...any) {
	f := &Fatal{Op: op, Msg: fmt.Sprintf(format, v...)}
	log.Warningf("%v", f)
	panic(f)
}

// AsFatal returns the *Fatal carried by a recovered panic value, if any.
func AsFatal(r any) (*Fatal, bool) {
	f, ok := r.(*Fatal)
	return f, ok
}
