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

// Package checkpoint coordinates a full checkpoint/restore attempt:
// quiesce, collect and judge the descriptor table, persist runtime state,
// hand the process to the engine, and pick up the restore parameters on
// the way back.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opencrac/crac/pkg/engine"
	"github.com/opencrac/crac/pkg/fdinfo"
	"github.com/opencrac/crac/pkg/params"
	"github.com/opencrac/crac/pkg/perfdata"
	"github.com/opencrac/crac/pkg/policy"
	"github.com/opencrac/crac/pkg/restorenotify"
)

// lockFileName guards an image directory against concurrent attempts
// from other processes.
const lockFileName = ".checkpoint.lock"

type state int

const (
	stateIdle state = iota
	stateCollecting
	stateEvaluating
	stateAborting
	statePersisting
	stateInvokingEngine
	stateAwaitingRestore
	stateRestored
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateCollecting:
		return "collecting"
	case stateEvaluating:
		return "evaluating"
	case stateAborting:
		return "aborting"
	case statePersisting:
		return "persisting"
	case stateInvokingEngine:
		return "invoking engine"
	case stateAwaitingRestore:
		return "awaiting restore"
	case stateRestored:
		return "restored"
	default:
		return fmt.Sprintf("invalid state %d", int(s))
	}
}

// Waiter blocks until the restored process is woken by the engine.
type Waiter interface {
	Wait(ctx context.Context) (restorenotify.Notification, error)
}

// Options configures a Coordinator.
type Options struct {
	// CheckpointTo is the image directory. Required.
	CheckpointTo string

	// Engine captures and restores the process image. May be nil when
	// every attempt is a dry run or AllowSkip is set.
	Engine *engine.Engine

	// Classpath locations whose descriptors are allowed across a
	// checkpoint.
	Classpath policy.Classpath

	// ThrowOnFailure makes a blocked attempt an error. Otherwise the
	// attempt proceeds despite the blockers and the failure list rides
	// the result.
	ThrowOnFailure bool

	// AllowSkip treats the attempt as complete after policy evaluation
	// and state persistence, without invoking the engine. The process
	// carries on as if it had been restored immediately.
	AllowSkip bool

	// Safepoint runs fn while all application threads are quiesced. When
	// nil, fn runs inline; embedders supply the runtime's stop-the-world
	// hook.
	Safepoint func(ctx context.Context, fn func() error) error

	// Waiter blocks until the restore wake-up. Defaults to the realtime
	// signal waiter.
	Waiter Waiter

	// PerfData, when set, is detached into the image before the engine
	// runs and reattached after restore.
	PerfData *perfdata.Memory

	// HeapDump, when set, is invoked with the image directory after a
	// blocked attempt, for post-mortem analysis of what held the
	// descriptors open.
	HeapDump func(dir string) error

	// LogDecisions forces per-descriptor decision logging.
	LogDecisions bool

	// Baseline overrides the inherited-descriptor snapshot. When nil the
	// table is scanned at construction time, which is correct only if the
	// Coordinator is built before the application opens its own
	// descriptors.
	Baseline *fdinfo.Table
}

// Request describes one checkpoint attempt.
type Request struct {
	// DryRun stops after policy evaluation and reports what it found.
	DryRun bool
	// ControlFD is the descriptor the triggering command arrived on, or
	// -1 when the attempt came through the API.
	ControlFD int
}

// Result of one attempt.
type Result struct {
	// OK is true iff policy evaluation found no blocking descriptor.
	OK bool
	// Failures holds the blocking descriptors, ordered by number.
	Failures []policy.Failure

	// NewArgs and NewProperties carry updated launch parameters from the
	// restoring generation; empty unless a parameter segment arrived.
	NewArgs       string
	NewProperties []string

	// RestoreTime is the restore wall-clock time in milliseconds;
	// RestoreCounter the restoring generation's monotonic reading in
	// nanoseconds.
	RestoreTime    int64
	RestoreCounter int64
}

// Coordinator serializes checkpoint attempts for one process.
type Coordinator struct {
	mu    sync.Mutex
	opts  Options
	pol   *policy.Engine
	state state

	restored     atomic.Bool
	restoreTime  atomic.Int64
	restoredMono atomic.Int64
}

// New builds a Coordinator. Unless Options.Baseline is supplied, the
// current descriptor table is captured as the inherited baseline, so New
// should run before the application opens descriptors of its own.
func New(opts Options) (*Coordinator, error) {
	if opts.CheckpointTo == "" {
		return nil, fmt.Errorf("no checkpoint directory configured")
	}
	if opts.Waiter == nil {
		opts.Waiter = restorenotify.SignalWaiter{}
	}
	if opts.Safepoint == nil {
		opts.Safepoint = func(ctx context.Context, fn func() error) error { return fn() }
	}
	if opts.Baseline == nil {
		baseline, err := fdinfo.Scan()
		if err != nil {
			return nil, fmt.Errorf("capturing inherited descriptor baseline: %w", err)
		}
		opts.Baseline = baseline
	}
	return &Coordinator{
		opts: opts,
		pol:  policy.NewEngine(&policy.Registry{}),
	}, nil
}

// RegisterPersistentResource asserts that fd refers to storage that
// survives checkpoint/restore. The assertion is consumed by the next
// attempt.
func (c *Coordinator) RegisterPersistentResource(fd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("registering persistent descriptor %d: %w", fd, err)
	}
	c.pol.Registry().Register(fd, st.Dev, st.Ino)
	return nil
}

// DeregisterPersistentResource withdraws a registration. The descriptor
// must still refer to the registered file.
func (c *Coordinator) DeregisterPersistentResource(fd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("deregistering persistent descriptor %d: %w", fd, err)
	}
	c.pol.Registry().Deregister(fd, st.Dev, st.Ino)
	return nil
}

// RestoreStartTime returns the wall-clock restore time in milliseconds,
// or -1 if this process has not been restored.
func (c *Coordinator) RestoreStartTime() int64 {
	if !c.restored.Load() {
		return -1
	}
	return c.restoreTime.Load()
}

// UptimeSinceRestore returns milliseconds elapsed since the restore, or
// -1 if this process has not been restored.
func (c *Coordinator) UptimeSinceRestore() int64 {
	if !c.restored.Load() {
		return -1
	}
	return (nowNanos() - c.restoredMono.Load()) / 1e6
}

// PrepareCheckpoint ensures the image directory exists and is writable
// before the attempt starts failing things that are expensive to retry.
func (c *Coordinator) PrepareCheckpoint() error {
	dir := c.opts.CheckpointTo
	st, err := os.Stat(dir)
	switch {
	case err == nil:
		if !st.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating image directory: %w", err)
		}
	default:
		return fmt.Errorf("checking image directory: %w", err)
	}
	probe := filepath.Join(dir, ".probe")
	if err := os.Mkdir(probe, 0700); err != nil {
		return fmt.Errorf("image directory %s is not writable: %w", dir, err)
	}
	os.Remove(probe)
	return nil
}

// Checkpoint runs one attempt. On a dry run the returned result carries
// the would-be verdict and no error. When the engine is invoked and the
// process is later restored, Checkpoint returns in the restored process
// with the restore parameters filled in.
func (c *Coordinator) Checkpoint(ctx context.Context, req Request) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.opts.CheckpointTo
	if err := c.PrepareCheckpoint(); err != nil {
		return nil, err
	}

	c.setState(stateCollecting)
	var verdict policy.Result
	err := c.opts.Safepoint(ctx, func() error {
		table, err := fdinfo.Scan()
		if err != nil {
			return fmt.Errorf("collecting descriptor table: %w", err)
		}
		c.setState(stateEvaluating)
		verdict = c.pol.Evaluate(table, policy.Options{
			Classpath:    c.opts.Classpath,
			Baseline:     c.opts.Baseline,
			ControlFD:    req.ControlFD,
			LogDecisions: c.opts.LogDecisions,
		})
		return nil
	})
	if err != nil {
		c.setState(stateIdle)
		return nil, err
	}

	out := &Result{OK: verdict.OK, Failures: verdict.Failures}
	if req.DryRun {
		c.setState(stateIdle)
		return out, nil
	}

	if !verdict.OK && c.opts.ThrowOnFailure {
		c.setState(stateAborting)
		if c.opts.HeapDump != nil {
			if err := c.opts.HeapDump(dir); err != nil {
				logrus.WithError(err).Warn("writing diagnostic heap dump")
			}
		}
		c.setState(stateIdle)
		return out, &PolicyError{Failures: verdict.Failures}
	}
	if !verdict.OK {
		// Skip policy: the attempt goes ahead anyway; the failure list
		// still rides the result for the caller to inspect.
		logrus.WithField("blocking", len(verdict.Failures)).Warn("checkpointing despite blocking descriptors")
	}

	// The lock fd is opened only after evaluation so it never shows up in
	// the judged table; it stays held across the engine hand-off so no
	// concurrent attempt can write the same image.
	fl, err := lockImageDir(dir)
	if err != nil {
		c.setState(stateIdle)
		return nil, err
	}
	defer fl.Unlock()

	c.setState(statePersisting)
	if c.opts.PerfData != nil {
		if err := c.opts.PerfData.Checkpoint(dir); err != nil {
			c.setState(stateIdle)
			return nil, fmt.Errorf("persisting counter region: %w", err)
		}
	}

	if c.opts.AllowSkip {
		c.reattachPerf()
		c.finishRestore(out, nil)
		return out, nil
	}

	if c.opts.Engine == nil {
		c.reattachPerf()
		c.setState(stateIdle)
		return nil, fmt.Errorf("no checkpoint engine configured")
	}

	c.setState(stateInvokingEngine)
	if er := c.opts.Engine.Checkpoint(ctx, dir); !er.OK() {
		c.reattachPerf()
		c.setState(stateIdle)
		return nil, &EngineError{Result: er}
	}

	// Control only reaches this point in the restored process image.
	c.setState(stateAwaitingRestore)
	n, err := c.opts.Waiter.Wait(ctx)
	if err != nil {
		c.reattachPerf()
		c.setState(stateIdle)
		return nil, err
	}

	var blk *params.Block
	if n.ShmID != restorenotify.NoParameters {
		b, err := params.NewSegment(n.ShmID).Read()
		if err != nil {
			// The wake-up already happened; a lost parameter segment must
			// not keep the process from resuming.
			logrus.WithError(err).WithField("shm-id", n.ShmID).Warn("reading restore parameters")
		} else {
			blk = b
		}
	}
	c.reattachPerf()
	c.finishRestore(out, blk)
	return out, nil
}

func (c *Coordinator) finishRestore(out *Result, blk *params.Block) {
	restoreTime, restoreCounter := nowMillis(), nowNanos()
	if blk != nil {
		// The restoring generation owns these clocks; its header values
		// are adopted as-is.
		restoreTime = blk.RestoreTime
		restoreCounter = blk.RestoreCounter
		blk.InstallEnv()
		out.NewArgs = blk.Args
		out.NewProperties = blk.Properties
	}
	out.RestoreTime = restoreTime
	out.RestoreCounter = restoreCounter
	c.restoreTime.Store(restoreTime)
	c.restoredMono.Store(restoreCounter)
	c.restored.Store(true)
	c.setState(stateRestored)
}

func (c *Coordinator) reattachPerf() {
	if c.opts.PerfData == nil {
		return
	}
	if err := c.opts.PerfData.Restore(); err != nil {
		logrus.WithError(err).Warn("reattaching counter region")
	}
}

func (c *Coordinator) setState(s state) {
	logrus.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("checkpoint state change")
	c.state = s
}

// lockImageDir takes the cross-process lock on an image directory,
// retrying briefly so back-to-back attempts do not fail spuriously.
func lockImageDir(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	op := func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("locking image directory: %w", err))
		}
		if !ok {
			return fmt.Errorf("image directory %s is locked by another attempt", dir)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return fl, nil
}
