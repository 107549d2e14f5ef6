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

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"gvisor.dev/shadow/pkg/shadow"
)

// Config is the simulator configuration. Every field has a default, so a
// config file only states what it changes.
type Config struct {
	// Levels is the guest paging depth: 2 (non-PAE), 3 (PAE) or 4.
	Levels int `toml:"levels"`

	// Mode is the guest execution mode, "hvm" or "pv". PV guests must
	// use 4-level paging.
	Mode string `toml:"mode"`

	// VCPUs is the number of simulated vCPUs. Each vCPU runs in its own
	// 64MiB lane of the guest address space.
	VCPUs int `toml:"vcpus"`

	Pool     PoolConfig     `toml:"pool"`
	Workload WorkloadConfig `toml:"workload"`
}

// PoolConfig shapes the engine's shadow frame pool.
type PoolConfig struct {
	// Frames is the pool capacity. Small pools force reclamation.
	Frames int `toml:"frames"`

	// Mapped backs the pool with an anonymous mapping instead of the Go
	// heap.
	Mapped bool `toml:"mapped"`

	// OOSLimit, OOSThreshold and UnshadowThreshold override the engine
	// heuristics; zero keeps the engine default.
	OOSLimit          int `toml:"oos_limit"`
	OOSThreshold      int `toml:"oos_threshold"`
	UnshadowThreshold int `toml:"unshadow_threshold"`
}

// WorkloadConfig shapes the synthetic guest each vCPU replays.
type WorkloadConfig struct {
	// Iterations is the number of operations per vCPU.
	Iterations int `toml:"iterations"`

	// WorkingSet is the number of mapped pages per vCPU, at most the
	// lane size.
	WorkingSet int `toml:"working_set"`

	// Seed makes runs reproducible. Each vCPU derives its own stream
	// from it.
	Seed int64 `toml:"seed"`
}

func defaultConfig() *Config {
	return &Config{
		Levels: 4,
		Mode:   "hvm",
		VCPUs:  4,
		Pool: PoolConfig{
			Frames: 256,
		},
		Workload: WorkloadConfig{
			Iterations: 20000,
			WorkingSet: 256,
			Seed:       1,
		},
	}
}

// loadConfig reads a TOML config file on top of the defaults.
func loadConfig(path string) (*Config, error) {
	c := defaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return c, nil
}

func (c *Config) mode() (shadow.Mode, error) {
	switch c.Mode {
	case "hvm":
		return shadow.ModeHVM, nil
	case "pv":
		return shadow.ModePV, nil
	}
	return 0, fmt.Errorf("unknown guest mode %q (want \"hvm\" or \"pv\")", c.Mode)
}

// check validates the simulator-level constraints. Engine constraints
// (paging depth, mode, pool minimum) are validated by shadow.NewDomain.
func (c *Config) check() error {
	if _, err := c.mode(); err != nil {
		return err
	}
	if c.VCPUs < 1 || c.VCPUs > shadow.MaxVCPUs {
		return fmt.Errorf("vcpus must be 1..%d, got %d", shadow.MaxVCPUs, c.VCPUs)
	}
	// The upper half of each lane is reserved for the superpage region.
	if ws := c.Workload.WorkingSet; ws < 1 || ws > lanePages/2 {
		return fmt.Errorf("working_set must be 1..%d pages, got %d", lanePages/2, ws)
	}
	if c.Workload.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Workload.Iterations)
	}
	return nil
}
