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
	"io"
	"testing"
)

// TestSimulate runs a small workload end to end for every guest geometry,
// with every invariant audited after every engine operation.
func TestSimulate(t *testing.T) {
	for _, test := range []struct {
		name   string
		levels int
		mode   string
	}{
		{"FourLevelHVM", 4, "hvm"},
		{"FourLevelPV", 4, "pv"},
		{"PAE", 3, "hvm"},
		{"NonPAE", 2, "hvm"},
	} {
		t.Run(test.name, func(t *testing.T) {
			conf := defaultConfig()
			conf.Levels = test.levels
			conf.Mode = test.mode
			conf.VCPUs = 2
			conf.Pool.Frames = 64
			conf.Workload = WorkloadConfig{Iterations: 400, WorkingSet: 16, Seed: 42}
			if err := simulate(conf, true, io.Discard); err != nil {
				t.Fatalf("simulate: %v", err)
			}
		})
	}
}

// TestSimulateTinyPool drives the workload through constant reclamation.
func TestSimulateTinyPool(t *testing.T) {
	conf := defaultConfig()
	conf.VCPUs = 2
	conf.Pool.Frames = 12
	conf.Workload = WorkloadConfig{Iterations: 300, WorkingSet: 8, Seed: 7}
	if err := simulate(conf, true, io.Discard); err != nil {
		t.Fatalf("simulate: %v", err)
	}
}
