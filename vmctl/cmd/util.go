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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/log"
)

// ErrorLogger is where fatal error messages are written, in addition to the
// log. Defaults to stderr.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs the message, writes it to ErrorLogger and exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(ErrorLogger, "vmctl: %s\n", msg)
	os.Exit(128)
}

// fatalOnHalt turns a kernel halt raised in the calling goroutine into a
// Fatalf. It must be deferred.
func fatalOnHalt() {
	r := recover()
	if r == nil {
		return
	}
	if f, ok := errors.AsFatal(r); ok {
		Fatalf("%v", f)
	}
	panic(r)
}
