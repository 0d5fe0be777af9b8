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

// Package cmd implements crtool's subcommands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
)

// Errorf prints an error to stderr and returns a failure exit status.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// stringSlice accumulates values of a repeatable flag.
type stringSlice []string

// String implements flag.Value.
func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

// Set implements flag.Value.
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}
