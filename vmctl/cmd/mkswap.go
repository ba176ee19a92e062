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

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/devices/blockdev"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/vmctl/config"
)

// Mkswap implements subcommands.Command for the "mkswap" command.
type Mkswap struct {
	sectors uint64
}

// Name implements subcommands.Command.Name.
func (*Mkswap) Name() string {
	return "mkswap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mkswap) Synopsis() string {
	return "create a zeroed swap image"
}

// Usage implements subcommands.Command.Usage.
func (*Mkswap) Usage() string {
	return `mkswap [-sectors=<n>] <path> - creates a swap image. Its size defaults to --swap-sectors.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Mkswap) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&m.sectors, "sectors", 0, "size of the image in sectors. Zero uses --swap-sectors.")
}

// Execute implements subcommands.Command.Execute.
func (m *Mkswap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sectors := m.sectors
	if sectors == 0 {
		sectors = conf.SwapSectors
	}
	if sectors%swap.SectorsPerSlot != 0 {
		Fatalf("%d sectors do not hold a whole number of %d sector pages", sectors, swap.SectorsPerSlot)
	}
	path := f.Arg(0)
	if err := blockdev.CreateImage(path, sectors); err != nil {
		Fatalf("%v", err)
	}
	log.Infof("Created swap image %q: %d sectors, %d pages", path, sectors, sectors/swap.SectorsPerSlot)
	return subcommands.ExitSuccess
}
