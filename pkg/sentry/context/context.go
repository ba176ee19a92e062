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

// Package context defines the VM core's Context type.
package context

import (
	"context"

	"gvisor.dev/vmcore/pkg/log"
)

type contextID int

// Globally accessible values from a context. These keys are defined in the
// context package to resolve dependency cycles by not requiring the caller to
// import packages usually required to get these information.
const (
	// CtxProcessName is the name of the process a context acts for. The
	// value is represented as a string.
	CtxProcessName contextID = iota
)

// ProcessNameFromContext returns the process name when ctx represents a
// process context.
func ProcessNameFromContext(ctx Context) (string, bool) {
	if name := ctx.Value(CtxProcessName); name != nil {
		return name.(string), true
	}
	return "", false
}

// A Context represents a thread of execution. It carries the state of an
// operation, like the standard context.Context, and a Logger that tags
// messages with the thread it belongs to.
//
// Page faults are never cancelled once they begin resolving, so Done and Err
// are only consulted between faults.
type Context interface {
	context.Context
	log.Logger
}

type logContext struct {
	context.Context
	log.Logger
}

// bgContext is the context returned by context.Background.
var bgContext = &logContext{
	Context: context.Background(),
	Logger:  log.Log(),
}

// Background returns an empty context using the default logger.
//
// Generally, one should use the Process as their context when available.
// Using a Background context for tests is fine, as long as no values are
// needed from the context in the tested code paths.
func Background() Context {
	return bgContext
}

// WithValue returns a copy of parent in which the value associated with key
// is val.
func WithValue(parent Context, key, val any) Context {
	return &logContext{
		Context: context.WithValue(parent, key, val),
		Logger:  parent,
	}
}

// WithLogger returns a copy of parent that logs to l.
func WithLogger(parent Context, l log.Logger) Context {
	return &logContext{
		Context: parent,
		Logger:  l,
	}
}
