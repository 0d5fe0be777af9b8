// Copyright 2024 The OpenCRaC Authors.
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
	"os"

	"github.com/google/subcommands"

	"github.com/opencrac/crac/crtool/config"
	"github.com/opencrac/crac/pkg/checkpoint"
	"github.com/opencrac/crac/pkg/fdinfo"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	controlFD int
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "dry-run the descriptor policy and print what would block a checkpoint"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate [--control-fd FD] - evaluate every open descriptor of this process
against the checkpoint policy without invoking the engine. Descriptors fed in
through redirections are judged like application descriptors, so the command
doubles as a policy probe.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Validate) SetFlags(f *flag.FlagSet) {
	f.IntVar(&v.controlFD, "control-fd", -1, "descriptor the checkpoint request arrived on, if any")
}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	dir := conf.CheckpointTo
	if dir == "" {
		// A dry run only needs a writable scratch directory.
		dir = os.TempDir()
	}
	c, err := checkpoint.New(checkpoint.Options{
		CheckpointTo: dir,
		Classpath:    conf.Classpath(),
		// An empty baseline judges every descriptor, including the
		// standard streams; nothing is grandfathered in.
		Baseline:     &fdinfo.Table{},
		LogDecisions: true,
	})
	if err != nil {
		return Errorf("validate: %v", err)
	}
	res, err := c.Checkpoint(ctx, checkpoint.Request{DryRun: true, ControlFD: v.controlFD})
	if err != nil {
		return Errorf("validate: %v", err)
	}
	if res.OK {
		fmt.Println("ready for checkpoint")
		return subcommands.ExitSuccess
	}
	for _, fail := range res.Failures {
		fmt.Printf("%s: %s\n", fail.Kind, fail.Message)
	}
	return subcommands.ExitFailure
}
