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

	"github.com/google/subcommands"

	"github.com/opencrac/crac/crtool/config"
	"github.com/opencrac/crac/pkg/checkpoint"
	"github.com/opencrac/crac/pkg/engine"
)

// Restore implements subcommands.Command for the "restore" command.
type Restore struct {
	args       string
	properties stringSlice
}

// Name implements subcommands.Command.Name.
func (*Restore) Name() string {
	return "restore"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Restore) Synopsis() string {
	return "restore a process image, publishing updated launch parameters"
}

// Usage implements subcommands.Command.Usage.
func (*Restore) Usage() string {
	return `restore [--args ARGS] [--property key=value]... [image-dir] - replace this
process with the engine's restore action for the image. The directory defaults
to --restore-from. Does not return on success.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Restore) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.args, "args", "", "updated argument string for the resumed runtime")
	f.Var(&r.properties, "property", "updated system property `key=value`, repeatable")
}

// Execute implements subcommands.Command.Execute.
func (r *Restore) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	dir := conf.RestoreFrom
	if f.NArg() > 0 {
		dir = f.Arg(0)
	}
	if dir == "" {
		return Errorf("restore: no image directory; set --restore-from or pass one")
	}
	eng, err := engine.Resolve(conf.Engine)
	if err != nil {
		return Errorf("restore: %v", err)
	}
	// Does not return unless the exec itself failed.
	return Errorf("restore: %v", checkpoint.Restore(eng, dir, r.properties, r.args))
}
