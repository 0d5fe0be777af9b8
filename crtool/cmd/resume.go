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
	"errors"
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/opencrac/crac/crtool/config"
	"github.com/opencrac/crac/pkg/checkpoint"
	"github.com/opencrac/crac/pkg/restorenotify"
)

// initPidEnvVar is set by engines that run a post-resume hook; it names
// the restored process.
const initPidEnvVar = "CRTOOLS_INIT_PID"

// Resume implements subcommands.Command for the "resume" command.
type Resume struct {
	pid   int
	shmID int
}

// Name implements subcommands.Command.Name.
func (*Resume) Name() string {
	return "resume"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Resume) Synopsis() string {
	return "wake a restored process with its parameter segment id"
}

// Usage implements subcommands.Command.Usage.
func (*Resume) Usage() string {
	return `resume [--pid PID] [--shm-id ID] - queue the restore wake-up signal at a
restored process. Defaults come from the engine hook environment:
$CRTOOLS_INIT_PID for the pid and $CRAC_NEW_ARGS_ID for the segment id.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Resume) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.pid, "pid", 0, "restored process id; defaults to $CRTOOLS_INIT_PID")
	f.IntVar(&r.shmID, "shm-id", -1, "parameter segment id; defaults to $CRAC_NEW_ARGS_ID, else none")
}

// Execute implements subcommands.Command.Execute.
func (r *Resume) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	pid := r.pid
	if pid == 0 {
		if s := os.Getenv(initPidEnvVar); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				return Errorf("resume: invalid $%s %q", initPidEnvVar, s)
			}
			pid = v
		}
	}
	if pid <= 0 {
		return Errorf("resume: no target pid; set --pid or $%s", initPidEnvVar)
	}

	shmID := r.shmID
	if shmID < 0 {
		shmID = restorenotify.NoParameters
		if s := os.Getenv(checkpoint.RestoreEnvVar); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				return Errorf("resume: invalid $%s %q", checkpoint.RestoreEnvVar, s)
			}
			shmID = v
		}
	}

	sig := unix.Signal(conf.RestoreSignal)
	notify := func() error {
		err := restorenotify.Notify(pid, sig, shmID)
		if errors.Is(err, unix.EAGAIN) {
			// Realtime signal queue is full; worth retrying.
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 10)
	if err := backoff.Retry(notify, b); err != nil {
		return Errorf("resume: %v", err)
	}
	return subcommands.ExitSuccess
}
