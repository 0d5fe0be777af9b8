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

package restorenotify

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sigqueueInfo mirrors the kernel's siginfo_t layout for the SI_QUEUE
// union arm on 64-bit Linux.
type sigqueueInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Pid   int32
	Uid   int32
	Value uint64
	_     [96]byte
}

// Notify queues sig at pid with shmID as the integer payload. This is
// the sender half of the restore wake-up protocol; the engine's
// post-resume hook and the resume command both go through it.
func Notify(pid int, sig unix.Signal, shmID int) error {
	if sig == 0 {
		sig = DefaultSignal
	}
	info := sigqueueInfo{
		Signo: int32(sig),
		Code:  siQueue,
		Pid:   int32(os.Getpid()),
		Uid:   int32(os.Getuid()),
		Value: uint64(uint32(int32(shmID))),
	}
	_, _, errno := unix.Syscall(unix.SYS_RT_SIGQUEUEINFO, uintptr(pid), uintptr(sig), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return fmt.Errorf("queueing signal %d at pid %d: %w", sig, pid, errno)
	}
	return nil
}

// readSiginfo reads exactly one siginfo record from a signalfd.
func readSiginfo(fd int) (unix.SignalfdSiginfo, error) {
	var si unix.SignalfdSiginfo
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&si)), unsafe.Sizeof(si))
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return si, err
		}
		if n != len(buf) {
			return si, fmt.Errorf("short signalfd read: %d bytes", n)
		}
		return si, nil
	}
}
