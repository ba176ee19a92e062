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

package config

import (
	"flag"
	"fmt"
	"reflect"
)

// configFlag names the flag that selects a configuration file.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String(configFlag, "", "path to a TOML configuration file. Flags override its values.")

	// Physical memory and swap.
	flagSet.Uint64("frames", d.Frames, "number of physical frames.")
	flagSet.String("swap", d.SwapPath, "swap image created with 'vmctl mkswap'. If empty, swap is kept in memory.")
	flagSet.Uint64("swap-sectors", d.SwapSectors, "size in sectors of the in-memory swap device and of new swap images.")
	flagSet.Duration("swap-lock-timeout", d.SwapLockTimeout, "how long to wait for the lock on the swap image.")

	// Address space.
	flagSet.Uint64("user-base", d.UserBase, "lowest user address.")
	flagSet.Uint64("user-top", d.UserTop, "first kernel address; the stack starts here.")
	flagSet.Uint64("stack-slack", d.StackSlack, "distance below the stack pointer within which a fault grows the stack.")
	flagSet.Uint64("max-stack-size", d.MaxStackSize, "size of the stack reserve below user-top.")

	// Eviction.
	flagSet.String("clock-policy", d.ClockPolicy, "where each clock scan starts: persist (default) keeps the hand, restart begins at the oldest frame.")
	flagSet.Duration("pinned-warn-interval", d.PinnedWarnInterval, "minimum interval between warnings that every frame is pinned.")

	// Logging.
	flagSet.String("log-format", d.LogFormat, "log format: text (default) or json.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
}

// NewFromFlags creates a new Config from the file named by --config, if
// any, and then from the flags set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup(configFlag); fl != nil && fl.Value.String() != "" {
		var err error
		if conf, err = Load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err == nil {
			err = conf.set(fl)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// set copies the value of fl into the field tagged with its name. Flags
// without a field are ignored.
func (c *Config) set(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if st.Field(i).Tag.Get("flag") != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no typed value", fl.Name)
		}
		x := reflect.ValueOf(getter.Get())
		if x.Type() != obj.Field(i).Type() {
			panic(fmt.Sprintf("flag %q is %v, field %s is %v", fl.Name, x.Type(), st.Field(i).Name, obj.Field(i).Type()))
		}
		obj.Field(i).Set(x)
		return nil
	}
	return nil
}
