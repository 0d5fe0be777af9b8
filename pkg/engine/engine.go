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

// Package engine spawns and supervises the external checkpoint/restore
// helper process.
//
// The engine contract is argv-level: `<engine> checkpoint <target-dir>`
// must exit 0 once the process image has been captured, and
// `<engine> restore <source-dir>` replaces the calling process image (it
// does not return on success).
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Status classifies the outcome of an engine invocation.
type Status int

const (
	// StatusOK: the engine exited 0.
	StatusOK Status = iota
	// StatusSpawnFailed: the engine process could not be started.
	StatusSpawnFailed
	// StatusNonZeroExit: the engine exited with a non-zero code.
	StatusNonZeroExit
	// StatusSignaled: the engine was terminated by a signal.
	StatusSignaled
)

// Result describes one engine invocation.
type Result struct {
	Status Status
	// ExitCode is valid when Status == StatusNonZeroExit.
	ExitCode int
	// Signal is valid when Status == StatusSignaled.
	Signal syscall.Signal
	// Err is valid when Status == StatusSpawnFailed.
	Err error
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r.Status {
	case StatusOK:
		return "ok"
	case StatusSpawnFailed:
		return fmt.Sprintf("spawn failed: %v", r.Err)
	case StatusNonZeroExit:
		return fmt.Sprintf("exited with status %d", r.ExitCode)
	case StatusSignaled:
		return fmt.Sprintf("terminated by signal %d", r.Signal)
	default:
		return fmt.Sprintf("invalid status %d", int(r.Status))
	}
}

// Engine invokes the external checkpoint/restore helper.
type Engine struct {
	// Path is the resolved helper binary path.
	Path string
}

// Resolve locates the engine binary. Paths containing a separator are
// taken as given; bare names are looked up next to the embedding
// executable, where runtime distributions ship their helper.
func Resolve(name string) (*Engine, error) {
	if name == "" {
		return nil, fmt.Errorf("no checkpoint engine configured")
	}
	path := name
	if !strings.ContainsRune(name, os.PathSeparator) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating own executable: %w", err)
		}
		path = filepath.Join(filepath.Dir(exe), name)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("could not find %s: %w", path, err)
	}
	return &Engine{Path: path}, nil
}

// Checkpoint runs `<engine> checkpoint <dir>` and waits for it to exit.
// The process may be frozen and serialized by the engine while this call
// is in flight; callers must treat any non-OK result as fatal to the
// attempt.
func (e *Engine) Checkpoint(ctx context.Context, dir string) Result {
	logrus.WithFields(logrus.Fields{"engine": e.Path, "dir": dir}).Debug("invoking checkpoint engine")
	cmd := exec.CommandContext(ctx, e.Path, "checkpoint", dir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return Result{Status: StatusOK}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Result{Status: StatusSignaled, Signal: ws.Signal()}
		}
		return Result{Status: StatusNonZeroExit, ExitCode: exitErr.ExitCode()}
	}
	return Result{Status: StatusSpawnFailed, Err: err}
}

// Restore replaces the current process image with
// `<engine> restore <dir>`. extraEnv entries are appended to the current
// environment. On success Restore does not return.
func (e *Engine) Restore(dir string, extraEnv []string) error {
	env := append(os.Environ(), extraEnv...)
	if err := unix.Exec(e.Path, []string{e.Path, "restore", dir}, env); err != nil {
		return fmt.Errorf("cannot execute %q restore: %w", e.Path, err)
	}
	panic("unreachable")
}
