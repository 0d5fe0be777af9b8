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

// Package cli is the entry point for crtool.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/opencrac/crac/crtool/cmd"
	"github.com/opencrac/crac/crtool/config"
)

// Main parses flags, registers the subcommands and dispatches.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Validate), "")
	subcommands.Register(new(cmd.Restore), "")
	subcommands.Register(new(cmd.Resume), "")
	subcommands.Register(new(cmd.CheckEngine), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crtool: %v\n", err)
		os.Exit(1)
	}

	if conf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if conf.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
