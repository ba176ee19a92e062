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

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/vmctl/config"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct{}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "print the effective configuration and memory geometry"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect - prints the configuration after flags are applied, as TOML, followed by the derived geometry.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Inspect) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Inspect) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := inspect(args[0].(*config.Config), os.Stdout); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func inspect(conf *config.Config, out io.Writer) error {
	if err := toml.NewEncoder(out).Encode(conf); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	layout := conf.Layout()
	user := hostarch.AddrRange{Start: layout.UserBase, End: layout.UserTop}
	stack := hostarch.AddrRange{Start: layout.UserTop - hostarch.Addr(layout.MaxStackSize), End: layout.UserTop}
	fmt.Fprintf(out, "\n# physical memory: %d frames, %d bytes\n", conf.Frames, conf.Frames*hostarch.PageSize)
	fmt.Fprintf(out, "# swap: %d slots\n", conf.SwapSlots())
	fmt.Fprintf(out, "# user space: %v (%d pages)\n", user, user.NumPages())
	fmt.Fprintf(out, "# stack reserve: %v\n", stack)
	return nil
}
