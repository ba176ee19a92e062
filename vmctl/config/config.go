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

// Package config holds the settings of a vmctl kernel. Settings come from a
// TOML file and are then overridden by command line flags.
package config

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/devices/blockdev"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

// Config holds the kernel configuration. Fields tagged with flag can be
// overridden on the command line.
type Config struct {
	// Frames is the number of physical frames.
	Frames uint64 `toml:"frames" flag:"frames"`

	// SwapPath is the swap image created by "vmctl mkswap". If empty, swap
	// lives in memory.
	SwapPath string `toml:"swap_path" flag:"swap"`

	// SwapSectors is the size of the in-memory swap device, and the default
	// size of images created by mkswap.
	SwapSectors uint64 `toml:"swap_sectors" flag:"swap-sectors"`

	// SwapLockTimeout bounds how long to wait for another user of the swap
	// image to release it.
	SwapLockTimeout time.Duration `toml:"swap_lock_timeout" flag:"swap-lock-timeout"`

	// UserBase is the lowest user address.
	UserBase uint64 `toml:"user_base" flag:"user-base"`

	// UserTop is the first kernel address.
	UserTop uint64 `toml:"user_top" flag:"user-top"`

	// StackSlack is how far below the stack pointer a fault still grows the
	// stack.
	StackSlack uint64 `toml:"stack_slack" flag:"stack-slack"`

	// MaxStackSize is the size of the stack reserve below UserTop.
	MaxStackSize uint64 `toml:"max_stack_size" flag:"max-stack-size"`

	// ClockPolicy is "persist" or "restart".
	ClockPolicy string `toml:"clock_policy" flag:"clock-policy"`

	// PinnedWarnInterval rate limits the all-frames-pinned warning.
	PinnedWarnInterval time.Duration `toml:"pinned_warn_interval" flag:"pinned-warn-interval"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" flag:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Frames:             256,
		SwapSectors:        8192,
		SwapLockTimeout:    5 * time.Second,
		UserBase:           uint64(mm.DefaultUserBase),
		UserTop:            uint64(mm.DefaultUserTop),
		StackSlack:         mm.DefaultStackSlack,
		MaxStackSize:       mm.DefaultMaxStackSize,
		ClockPolicy:        mm.ClockPersist.String(),
		PinnedWarnInterval: time.Second,
		LogFormat:          "text",
	}
}

// Load reads a TOML configuration file. Keys missing from the file keep their
// default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return conf, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Frames == 0 || c.Frames > math.MaxUint32 {
		return fmt.Errorf("frames must be in [1, %d], got %d", uint32(math.MaxUint32), c.Frames)
	}
	if c.SwapSectors < swap.SectorsPerSlot || c.SwapSectors%swap.SectorsPerSlot != 0 {
		return fmt.Errorf("swap sectors must be a positive multiple of %d (%d byte sectors per %d byte page), got %d",
			swap.SectorsPerSlot, blockdev.SectorSize, hostarch.PageSize, c.SwapSectors)
	}
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	if _, err := mm.ParseClockPolicy(c.ClockPolicy); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Layout returns the user address space layout.
func (c *Config) Layout() mm.Layout {
	return mm.Layout{
		UserBase:     hostarch.Addr(c.UserBase),
		UserTop:      hostarch.Addr(c.UserTop),
		StackSlack:   c.StackSlack,
		MaxStackSize: c.MaxStackSize,
	}
}

// FrameTableOpts returns the frame table options. c must be valid.
func (c *Config) FrameTableOpts() mm.FrameTableOpts {
	policy, err := mm.ParseClockPolicy(c.ClockPolicy)
	if err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}
	return mm.FrameTableOpts{
		Policy:             policy,
		PinnedWarnInterval: c.PinnedWarnInterval,
	}
}

// SwapSlots returns the number of pages the swap device holds.
func (c *Config) SwapSlots() uint64 {
	return c.SwapSectors / swap.SectorsPerSlot
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log writes the configuration to the log.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("Config.%s (--%s): %v", st.Field(i).Name, st.Field(i).Tag.Get("flag"), obj.Field(i).Interface())
	}
}
