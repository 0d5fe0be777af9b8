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
	"path/filepath"
	"strings"

	"github.com/google/subcommands"

	"github.com/opencrac/crac/crtool/config"
	"github.com/opencrac/crac/pkg/engine"
)

// CheckEngine implements subcommands.Command for the "check-engine"
// command.
type CheckEngine struct {
	lazyPages bool
}

// Name implements subcommands.Command.Name.
func (*CheckEngine) Name() string {
	return "check-engine"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CheckEngine) Synopsis() string {
	return "verify the configured checkpoint engine is present and usable"
}

// Usage implements subcommands.Command.Usage.
func (*CheckEngine) Usage() string {
	return `check-engine [--lazy-pages] - resolve the configured engine binary and, for
criu-based engines, probe the installed criu for version and feature support.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *CheckEngine) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.lazyPages, "lazy-pages", false, "require lazy page migration support")
}

// Execute implements subcommands.Command.Execute.
func (c *CheckEngine) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	eng, err := engine.Resolve(conf.Engine)
	if err != nil {
		return Errorf("check-engine: %v", err)
	}
	if strings.Contains(filepath.Base(eng.Path), "criu") {
		if err := engine.CheckCRIU(c.lazyPages); err != nil {
			return Errorf("check-engine: %v", err)
		}
	}
	fmt.Printf("engine %s is usable\n", eng.Path)
	return subcommands.ExitSuccess
}
