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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
	vmcontext "gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/devices/blockdev"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
	"gvisor.dev/vmcore/vmctl/config"
	"gvisor.dev/vmcore/vmctl/workload"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	metrics bool
	check   bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a workload against a fresh kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-metrics] [-check] <workload.yaml> - runs the workload's processes concurrently and reports how each exited.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.metrics, "metrics", false, "print kernel metrics in Prometheus text format after the run.")
	f.BoolVar(&r.check, "check", false, "verify frame table invariants after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	w, err := workload.Load(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}

	defer fatalOnHalt()
	ctx := vmcontext.WithLogger(vmcontext.Background(), log.Log())
	if err := r.run(ctx, conf, w, os.Stdout); err != nil {
		log.Warningf("Workload failed: %v", err)
		fmt.Fprintf(ErrorLogger, "vmctl: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *Run) run(ctx vmcontext.Context, conf *config.Config, w *workload.Workload, out io.Writer) error {
	k, err := newKernel(ctx, conf)
	if err != nil {
		return err
	}
	report, runErr := workload.Run(ctx, k, w)
	if report != nil {
		fmt.Fprint(out, report)
	}
	if r.check {
		if err := k.CheckInvariants(); err != nil && runErr == nil {
			runErr = fmt.Errorf("invariant check: %w", err)
		}
	}
	if r.metrics {
		if err := k.Metrics().WritePrometheus(out); err != nil && runErr == nil {
			runErr = fmt.Errorf("writing metrics: %w", err)
		}
	}
	if err := k.Shutdown(); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}
	return runErr
}

// newDevices opens the swap device described by conf.
func newDevices(conf *config.Config) (*blockdev.Registry, error) {
	var dev blockdev.Device
	if conf.SwapPath == "" {
		dev = blockdev.NewMemory("swap", conf.SwapSectors)
	} else {
		f, err := blockdev.OpenFile(conf.SwapPath, blockdev.FileOpts{LockTimeout: conf.SwapLockTimeout})
		if err != nil {
			return nil, err
		}
		dev = f
	}
	reg := blockdev.NewRegistry()
	if err := reg.Register(blockdev.RoleSwap, dev); err != nil {
		dev.Close()
		return nil, err
	}
	return reg, nil
}

// newKernel boots a kernel configured by conf.
func newKernel(ctx vmcontext.Context, conf *config.Config) (*kernel.Kernel, error) {
	reg, err := newDevices(conf)
	if err != nil {
		return nil, err
	}
	k, err := kernel.New(ctx, kernel.InitKernelArgs{
		Frames:     uint32(conf.Frames),
		Devices:    reg,
		Layout:     conf.Layout(),
		FrameTable: conf.FrameTableOpts(),
	})
	if err != nil {
		reg.Close()
		return nil, err
	}
	return k, nil
}
