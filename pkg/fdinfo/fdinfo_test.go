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

package fdinfo

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "file"))
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestScanFindsOpenFile(t *testing.T) {
	f := tempFile(t)
	fd := int(f.Fd())

	table, err := Scan()
	if err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	r := table.Get(fd)
	if r == nil {
		t.Fatalf("descriptor %d not in table of length %d", fd, table.Len())
	}
	if r.State != StateRoot {
		t.Errorf("descriptor %d state: got %v, want %v", fd, r.State, StateRoot)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		t.Fatalf("fstat: %v", err)
	}
	if r.Stat.Dev != st.Dev || r.Stat.Ino != st.Ino {
		t.Errorf("descriptor %d identity: got dev=%d ino=%d, want dev=%d ino=%d", fd, r.Stat.Dev, r.Stat.Ino, st.Dev, st.Ino)
	}
	if r.Link == "" {
		t.Errorf("descriptor %d has empty link target", fd)
	}
}

func TestDupIsAliasOfLowestRoot(t *testing.T) {
	f := tempFile(t)
	fd := int(f.Fd())

	dup1, err := unix.Dup(fd)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer unix.Close(dup1)
	dup2, err := unix.Dup(fd)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer unix.Close(dup2)

	table, err := Scan()
	if err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	if r := table.Get(fd); r.State != StateRoot {
		t.Errorf("original descriptor %d state: got %v, want %v", fd, r.State, StateRoot)
	}
	for _, dup := range []int{dup1, dup2} {
		r := table.Get(dup)
		if r == nil || r.State != StateAlias {
			t.Fatalf("dup descriptor %d: got %+v, want alias", dup, r)
		}
		if r.Alias != fd {
			t.Errorf("dup descriptor %d alias: got %d, want %d", dup, r.Alias, fd)
		}
	}
}

func TestReopenedPathIsNotAlias(t *testing.T) {
	f := tempFile(t)
	// Reopen with the same access mode so only the behavioral probe can
	// tell the two descriptors apart.
	g, err := os.OpenFile(f.Name(), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("reopening %q: %v", f.Name(), err)
	}
	defer g.Close()

	table, err := Scan()
	if err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	// Same dev+inode, distinct open file descriptions: the probe must
	// keep them apart.
	if r := table.Get(int(g.Fd())); r.State != StateRoot {
		t.Errorf("reopened descriptor %d state: got %v, want %v", int(g.Fd()), r.State, StateRoot)
	}
}

func TestScanPreservesFlags(t *testing.T) {
	f := tempFile(t)
	fd := int(f.Fd())
	dup, err := unix.Dup(fd)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer unix.Close(dup)

	before, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("fcntl: %v", err)
	}
	if _, err := Scan(); err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	after, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("fcntl: %v", err)
	}
	if before != after {
		t.Errorf("status flags changed by scan: got %#x, want %#x", after, before)
	}
}

func TestClosedSlot(t *testing.T) {
	f := tempFile(t)

	// Park two descriptors at high slots, then close the lower one so the
	// scan sees a guaranteed gap that ordinary opens will not refill.
	low, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 500)
	if err != nil {
		t.Fatalf("fcntl(F_DUPFD_CLOEXEC): %v", err)
	}
	high, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, low+1)
	if err != nil {
		t.Fatalf("fcntl(F_DUPFD_CLOEXEC): %v", err)
	}
	defer unix.Close(high)
	unix.Close(low)

	table, err := Scan()
	if err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	r := table.Get(low)
	if r == nil {
		t.Fatalf("slot %d not in table of length %d", low, table.Len())
	}
	if r.State != StateClosed {
		t.Errorf("slot %d state: got %v, want %v", low, r.State, StateClosed)
	}
	if r.Alias != -1 {
		t.Errorf("closed slot %d aliases %d", low, r.Alias)
	}
}

func TestDeletedFileCantRestore(t *testing.T) {
	f := tempFile(t)
	if err := os.Remove(f.Name()); err != nil {
		t.Fatalf("removing %q: %v", f.Name(), err)
	}

	table, err := Scan()
	if err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	r := table.Get(int(f.Fd()))
	if r == nil || r.State != StateRoot {
		t.Fatalf("descriptor %d: got %+v, want root", int(f.Fd()), r)
	}
	if !r.Marked(MarkCantRestore) {
		t.Errorf("deleted file descriptor %d not marked cant-restore (link %q, nlink %d)", r.FD, r.Link, r.Stat.Nlink)
	}
}

func TestNFSSillyRename(t *testing.T) {
	for _, tc := range []struct {
		base string
		want bool
	}{
		{".nfs00000000075ae9e300000002", true},
		{".nfsABCDEF0123456789abcdef01", true},
		{".nfs00000000075ae9e30000000", false},  // counter too short
		{".nfs00000000075ae9eg00000002", false}, // non-hex digit
		{"nfs00000000075ae9e300000002", false},  // missing dot
		{".nfsfile", false},
		{"regular.txt", false},
		{"", false},
	} {
		if got := nfsSillyRename(tc.base); got != tc.want {
			t.Errorf("nfsSillyRename(%q): got %v, want %v", tc.base, got, tc.want)
		}
	}
}

func TestTableAccessors(t *testing.T) {
	table := &Table{Records: []Record{
		{FD: 0, State: StateRoot, Alias: -1},
		{FD: 1, State: StateClosed, Alias: -1},
	}}
	if !table.Open(0) || table.Open(1) || table.Open(2) || table.Open(-1) {
		t.Errorf("Open() misclassifies slots")
	}
	table.Mark(1, MarkClasspath) // closed: no-op
	if table.Get(1).Marks != 0 {
		t.Errorf("Mark() applied to closed slot")
	}
	table.Mark(0, MarkClasspath|MarkPersistent)
	if !table.Get(0).Marked(MarkClasspath) || !table.Get(0).Marked(MarkPersistent) {
		t.Errorf("Mark() did not apply to open slot")
	}

	var nilTable *Table
	if nilTable.Open(0) || nilTable.Len() != 0 || nilTable.Get(0) != nil {
		t.Errorf("nil table accessors not inert")
	}
}
