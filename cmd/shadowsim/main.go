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

// shadowsim exercises the shadow page table engine with a synthetic guest.
// It builds real guest page tables in simulated guest memory, replays a
// mixed stream of page faults, emulated table writes, TLB events and root
// switches from several vCPUs, and reports the engine counters.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "TOML configuration file. Defaults apply when empty.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
	logJSON    = flag.Bool("log-json", false, "emit logs as JSON.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(auditCmd), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	logrus.SetOutput(os.Stderr)
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	conf := defaultConfig()
	if *configPath != "" {
		c, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "shadowsim: %v\n", err)
			os.Exit(1)
		}
		conf = c
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
