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

// Package fdinfo inspects the open file descriptors of the current process
// and classifies them for checkpoint safety.
//
// Scan produces one Record per descriptor slot, from 0 up to the highest
// open descriptor. Descriptors backed by the same open file description
// (created by dup or fork, not merely the same path reopened) are collapsed
// into a single root record plus alias records referencing it. Descriptors
// whose backing storage will not be reachable after a restore (unlinked
// files, NFS silly renames) are marked as not restorable.
//
// Scanning is only safe while no other thread opens or closes descriptors;
// the caller is responsible for quiescing the process first.
package fdinfo

import (
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// State describes one descriptor slot.
type State int

const (
	// StateClosed marks a slot with no open descriptor.
	StateClosed State = iota
	// StateRoot marks the canonical descriptor of its open file description.
	StateRoot
	// StateAlias marks a duplicate of a lower-numbered root descriptor.
	StateAlias
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateRoot:
		return "root"
	case StateAlias:
		return "alias"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

// Mark is a bitmask of policy-relevant descriptor attributes.
type Mark uint32

const (
	// MarkClasspath indicates the descriptor refers to a classpath entry.
	MarkClasspath Mark = 1 << iota
	// MarkCantRestore indicates the backing storage will not be reachable
	// after restore.
	MarkCantRestore
	// MarkPersistent indicates an application-registered persistent
	// resource.
	MarkPersistent
	// MarkInternal indicates a runtime-internal control descriptor.
	MarkInternal
)

// Record describes one descriptor slot at scan time.
type Record struct {
	// FD is the descriptor number.
	FD int

	// Stat is the cached fstat result. Only valid when State != StateClosed.
	Stat unix.Stat_t

	// State classifies the slot.
	State State

	// Alias is the descriptor number of the root this record duplicates.
	// Only valid when State == StateAlias; -1 otherwise.
	Alias int

	// Marks is the set of policy marks applied to this record.
	Marks Mark

	// Link is the resolved /proc/self/fd symlink target. Only populated
	// for root records.
	Link string
}

// Marked returns whether all bits in m are set on the record.
func (r *Record) Marked(m Mark) bool {
	return r.Marks&m == m
}

// Table is the descriptor table snapshot for one checkpoint attempt.
type Table struct {
	// Records holds one entry per descriptor slot, indexed by descriptor
	// number.
	Records []Record
}

// Len returns the number of slots in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}

// Get returns the record for descriptor fd, or nil if fd is outside the
// table.
func (t *Table) Get(fd int) *Record {
	if t == nil || fd < 0 || fd >= len(t.Records) {
		return nil
	}
	return &t.Records[fd]
}

// Open returns whether descriptor fd was open at scan time.
func (t *Table) Open(fd int) bool {
	r := t.Get(fd)
	return r != nil && r.State != StateClosed
}

// Mark applies m to the record for descriptor fd. It is a no-op for closed
// or out-of-range slots.
func (t *Table) Mark(fd int, m Mark) {
	if r := t.Get(fd); r != nil && r.State != StateClosed {
		r.Marks |= m
	}
}

// Scan enumerates every descriptor slot of the current process and returns
// the classified table. It fails if the descriptor table cannot be sized or
// a descriptor's link target cannot be read; both are fatal to a checkpoint
// attempt.
//
// Scan has no lasting side effects: no descriptor is opened, closed, or
// left with altered flags. The alias probe toggles O_NONBLOCK on candidate
// descriptors but restores the original flags before returning.
func Scan() (*Table, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return nil, fmt.Errorf("sizing descriptor table: %w", err)
	}
	maxFD := int(rl.Cur)

	records := make([]Record, 0, 64)
	last := -1
	for fd := 0; fd < maxFD; fd++ {
		r := Record{FD: fd, State: StateClosed, Alias: -1}
		if err := unix.Fstat(fd, &r.Stat); err == nil {
			r.State = StateRoot
			last = fd
		}
		records = append(records, r)
	}
	records = records[:last+1]

	t := &Table{Records: records}
	for i := range t.Records {
		r := &t.Records[i]
		if r.State == StateClosed {
			continue
		}
		for j := 0; j < i; j++ {
			peer := &t.Records[j]
			if peer.State == StateRoot && sameOpenFile(r, peer) {
				r.State = StateAlias
				r.Alias = j
				break
			}
		}
		if r.State != StateRoot {
			continue
		}
		link, err := readFDLink(i)
		if err != nil {
			return nil, fmt.Errorf("reading link target of descriptor %d: %w", i, err)
		}
		r.Link = link
		if r.Stat.Nlink == 0 || strings.Contains(link, "(deleted)") || nfsSillyRename(path.Base(link)) {
			r.Marks |= MarkCantRestore
		}
	}
	return t, nil
}

// sameOpenFile reports whether r and peer refer to the same open file
// description. Identical device, inode and status flags are necessary but
// not sufficient (the same path may have been opened twice), so the check
// is completed by toggling O_NONBLOCK on one descriptor and observing
// whether the other's flags follow. If the flag write is silently ignored
// the probe cannot be trusted and the descriptors are conservatively
// reported as distinct.
func sameOpenFile(r, peer *Record) bool {
	if r.Stat.Dev != peer.Stat.Dev || r.Stat.Ino != peer.Stat.Ino {
		return false
	}

	flags, err := unix.FcntlInt(uintptr(r.FD), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	peerFlags, err := unix.FcntlInt(uintptr(peer.FD), unix.F_GETFL, 0)
	if err != nil || flags != peerFlags {
		return false
	}

	toggled := flags ^ unix.O_NONBLOCK
	if _, err := unix.FcntlInt(uintptr(r.FD), unix.F_SETFL, toggled); err != nil {
		return false
	}
	defer unix.FcntlInt(uintptr(r.FD), unix.F_SETFL, flags)

	if got, err := unix.FcntlInt(uintptr(r.FD), unix.F_GETFL, 0); err != nil || got != toggled {
		// Flag write ignored or handled differently; assume not aliased.
		return false
	}
	got, err := unix.FcntlInt(uintptr(peer.FD), unix.F_GETFL, 0)
	return err == nil && got == toggled
}

func readFDLink(fd int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
}

// NFS hides deletion of open files by renaming them to
// ".nfs<16 hex file id><8 hex counter>"; such a descriptor reads fine now
// but its path will not exist after restore. Pattern taken from the
// kernel, via criu.
const (
	nfsPrefix  = ".nfs"
	nfsHexLen  = 16 + 8
	nfsNameLen = len(nfsPrefix) + nfsHexLen
)

func nfsSillyRename(base string) bool {
	if !strings.HasPrefix(base, nfsPrefix) || len(base) < nfsNameLen {
		return false
	}
	for i := len(nfsPrefix); i < nfsNameLen; i++ {
		if !isHexDigit(base[i]) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
