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
	"context"
	"flag"

	"github.com/google/subcommands"
)

// auditCmd implements subcommands.Command for the "audit" command. It is
// the run command with every structure invariant checked after every
// engine operation, so a violation panics at the operation that caused it
// rather than surfacing as corruption later.
type auditCmd struct {
	runCmd
}

// Name implements subcommands.Command.Name.
func (*auditCmd) Name() string {
	return "audit"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*auditCmd) Synopsis() string {
	return "run the workload with continuous invariant auditing"
}

// Usage implements subcommands.Command.Usage.
func (*auditCmd) Usage() string {
	return `audit [flags] - run the workload with continuous invariant auditing.
`
}

// Execute implements subcommands.Command.Execute.
func (a *auditCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	a.audit = true
	return a.runCmd.Execute(ctx, f, args...)
}
