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

// Package policy decides which open descriptors are safe to leave open
// across a checkpoint, and collects diagnostics for the rest.
//
// Evaluation must run while all application threads are quiesced; the
// caller is responsible for the safepoint.
package policy

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/opencrac/crac/pkg/fdinfo"
)

// Options configures one policy evaluation.
type Options struct {
	// Classpath locations; matching descriptors are allowed.
	Classpath Classpath

	// Baseline is the descriptor snapshot taken before the runtime
	// finished its own bootstrap. Descriptors open in the baseline are
	// inherited process state and allowed unconditionally. A nil baseline
	// inherits nothing.
	Baseline *fdinfo.Table

	// ControlFD is the descriptor the triggering command arrived on, or
	// -1 if the checkpoint was requested through the API.
	ControlFD int

	// LogDecisions forces per-descriptor decision logging regardless of
	// the rate limit.
	LogDecisions bool
}

// Result of one evaluation.
type Result struct {
	// OK is true iff no blocking descriptor was found.
	OK bool
	// Failures holds one record per blocking descriptor, ordered by
	// descriptor number.
	Failures []Failure
}

// Engine applies the checkpoint-safety rules to a descriptor table.
type Engine struct {
	registry *Registry
	resolve  []sockResolver
	limiter  *rate.Limiter
}

// NewEngine returns an Engine drawing persistent registrations from reg.
func NewEngine(reg *Registry) *Engine {
	if reg == nil {
		reg = &Registry{}
	}
	return &Engine{
		registry: reg,
		resolve:  []sockResolver{diagResolve, procNetResolve},
		// Decision logging is diagnostic; cap it so a process with a huge
		// descriptor table cannot flood the log.
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// Registry returns the persistent resource registry consumed by this
// engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluate classifies every open, non-aliased descriptor in t as allowed
// or blocking. Marking passes (classpath, persistent registrations) run
// first; the persistent registry is drained as a side effect. The failure
// list is stable, ordered by descriptor number, and evaluation is
// idempotent for an unchanged table and registry.
func (e *Engine) Evaluate(t *fdinfo.Table, opts Options) Result {
	opts.Classpath.mark(t)
	e.registry.markPersistent(t)
	if opts.ControlFD >= 0 {
		t.Mark(opts.ControlFD, fdinfo.MarkInternal)
	}

	var failures []Failure
	for i := range t.Records {
		r := &t.Records[i]
		if r.State != fdinfo.StateRoot {
			continue
		}
		allowed, reason, msg := e.decide(r, opts)
		e.logDecision(r, allowed, reason, msg, opts)
		if !allowed {
			failures = append(failures, Failure{Kind: kindOf(r.Stat.Mode), Message: msg})
		}
	}
	return Result{OK: len(failures) == 0, Failures: failures}
}

// decide applies the allow rules in precedence order. It returns the
// verdict, the rationale, and for blocking descriptors the diagnostic
// message.
func (e *Engine) decide(r *fdinfo.Record, opts Options) (bool, string, string) {
	// Inherited process state is outside the runtime's control.
	if opts.Baseline.Open(r.FD) {
		return true, "inherited from process env", ""
	}

	mode := r.Stat.Mode
	if mode&unix.S_IFMT == unix.S_IFCHR {
		major := unix.Major(r.Stat.Rdev)
		minor := unix.Minor(r.Stat.Rdev)
		if major == 1 && (minor == 8 || minor == 9) {
			return true, "always available, random or urandom", ""
		}
	}

	if r.Marked(fdinfo.MarkClasspath) && !r.Marked(fdinfo.MarkCantRestore) {
		return true, "in classpath", ""
	}

	if r.Marked(fdinfo.MarkPersistent) {
		return true, "assured persistent", ""
	}

	if mode&unix.S_IFMT == unix.S_IFSOCK {
		if r.FD == opts.ControlFD || r.Marked(fdinfo.MarkInternal) {
			return true, "checkpoint control socket", ""
		}
		return false, "opened by application", resolveSocket(r.Link, e.resolve...)
	}

	return false, "opened by application", r.Link
}

func (e *Engine) logDecision(r *fdinfo.Record, allowed bool, reason, msg string, opts Options) {
	if !opts.LogDecisions && !e.limiter.Allow() {
		return
	}
	entry := logrus.WithFields(logrus.Fields{
		"fd":     r.FD,
		"type":   typeOf(r.Stat.Mode),
		"target": r.Link,
		"reason": reason,
	})
	if allowed {
		entry.Debug("descriptor allowed across checkpoint")
	} else {
		entry.WithField("details", msg).Debug("descriptor blocks checkpoint")
	}
}
