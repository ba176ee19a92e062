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

// Package metric provides counters and gauges for the VM core and exports
// them in the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates a metric name that Prometheus would reject.
	ErrInvalidName = errors.New("invalid metric name")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
type Uint64Metric struct {
	value atomic.Uint64
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

type registered struct {
	description string
	cumulative  bool
	value       func() uint64
}

// Registry is a set of named metrics.
type Registry struct {
	mu sync.Mutex

	// +checklocks:mu
	metrics map[string]registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]registered)}
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_' || c == ':':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// RegisterCustomUint64Metric registers a metric whose value is computed by
// value at export time. Cumulative metrics are exported as counters, others
// as gauges.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	if !validName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrNameInUse)
	}
	r.metrics[name] = registered{
		description: description,
		cumulative:  cumulative,
		value:       value,
	}
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func (r *Registry) NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	return m, r.RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Values returns the current value of every metric, keyed by name.
func (r *Registry) Values() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := make(map[string]uint64, len(r.metrics))
	for name, m := range r.metrics {
		vals[name] = m.value()
	}
	return vals
}

// families snapshots the registry as Prometheus metric families, sorted by
// name.
func (r *Registry) families() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	fams := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		m := r.metrics[name]
		v := float64(m.value())
		fam := &dto.MetricFamily{
			Name: proto.String(name),
		}
		if m.description != "" {
			fam.Help = proto.String(m.description)
		}
		if m.cumulative {
			fam.Type = dto.MetricType_COUNTER.Enum()
			fam.Metric = []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}}
		} else {
			fam.Type = dto.MetricType_GAUGE.Enum()
			fam.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
		}
		fams = append(fams, fam)
	}
	return fams
}

// WritePrometheus writes every metric to w in the Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	for _, fam := range r.families() {
		if _, err := expfmt.MetricFamilyToText(w, fam); err != nil {
			return fmt.Errorf("failed to write metric %q: %w", fam.GetName(), err)
		}
	}
	return nil
}
