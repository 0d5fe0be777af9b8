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

// Package restorenotify implements the wake-up channel between a restored
// process image and the runtime inside it.
//
// The engine (or an operator tool) queues a realtime signal at the
// restored process; the signal's integer payload names the shared-memory
// segment holding the restore parameters, or NoParameters when there are
// none. Delivery uses sigqueue semantics so the payload survives the trip;
// plain kill(2) of the same signal is rejected as a protocol violation.
package restorenotify

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// DefaultSignal is SIGRTMIN+2 under glibc's runtime-internal offset.
const DefaultSignal = unix.Signal(36)

// NoParameters is the payload value meaning no parameter segment was
// published for this restore.
const NoParameters = 0

// siQueue is the si_code the kernel assigns to sigqueue-originated
// signals.
const siQueue = -1

// Notification is a decoded restore wake-up.
type Notification struct {
	// ShmID names the parameter segment, or NoParameters.
	ShmID int
}

// ProtocolError reports a wake-up signal that did not follow the
// notification protocol.
type ProtocolError struct {
	Reason string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return "restore notification: " + e.Reason
}

// BlockSignal masks sig on the calling thread. Call it from the main
// goroutine before any others start so every later thread inherits the
// mask and the signal stays queueable for a future waiter.
func BlockSignal(sig unix.Signal) error {
	if sig == 0 {
		sig = DefaultSignal
	}
	set := sigsetFor(sig)
	return unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil)
}

// SignalWaiter waits for the restore wake-up signal.
type SignalWaiter struct {
	// Signal overrides DefaultSignal when non-zero.
	Signal unix.Signal
}

// Wait blocks until the wake-up signal arrives or ctx is done. It parks
// on a signalfd from a locked OS thread; the Go signal handlers never see
// the signal, so the payload is preserved.
func (w SignalWaiter) Wait(ctx context.Context) (Notification, error) {
	sig := w.Signal
	if sig == 0 {
		sig = DefaultSignal
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	set := sigsetFor(sig)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return Notification{}, fmt.Errorf("masking signal %d: %w", sig, err)
	}
	sfd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC)
	if err != nil {
		return Notification{}, fmt.Errorf("creating signalfd: %w", err)
	}
	defer unix.Close(sfd)

	// Cancellation rides a pipe so the poll below has something to wake
	// on when ctx is done.
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		return Notification{}, fmt.Errorf("creating cancellation pipe: %w", err)
	}
	defer unix.Close(pipe[0])
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		unix.Close(pipe[1])
	}()

	fds := []unix.PollFd{
		{Fd: int32(sfd), Events: unix.POLLIN},
		{Fd: int32(pipe[0]), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return Notification{}, fmt.Errorf("waiting for restore signal: %w", err)
		}
		if fds[1].Revents != 0 {
			return Notification{}, ctx.Err()
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			break
		}
	}

	si, err := readSiginfo(sfd)
	if err != nil {
		return Notification{}, fmt.Errorf("reading signalfd: %w", err)
	}
	if si.Signo != uint32(sig) {
		return Notification{}, &ProtocolError{Reason: fmt.Sprintf("unexpected signal %d", si.Signo)}
	}
	if si.Code != siQueue {
		return Notification{}, &ProtocolError{Reason: fmt.Sprintf("signal was not queued with a payload (si_code %d)", si.Code)}
	}
	shmID := int(si.Int)
	if shmID < 0 {
		return Notification{}, &ProtocolError{Reason: fmt.Sprintf("negative segment id %d", shmID)}
	}
	return Notification{ShmID: shmID}, nil
}

func sigsetFor(sig unix.Signal) unix.Sigset_t {
	var set unix.Sigset_t
	n := int(sig) - 1
	set.Val[n/64] |= 1 << (uint(n) % 64)
	return set
}
