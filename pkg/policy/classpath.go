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

package policy

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/opencrac/crac/pkg/fdinfo"
)

// Classpath names the filesystem locations the runtime loads code from.
// Descriptors matching these by stat identity are assumed safely
// re-openable after restore.
type Classpath struct {
	// Boot and App are colon-separated entry lists.
	Boot string
	App  string
	// ExtensionDirs is a colon-separated list of directories whose
	// contents are scanned recursively.
	ExtensionDirs string
}

type fileID struct {
	dev uint64
	ino uint64
}

// mark applies MarkClasspath to every root descriptor matching a classpath
// entry. Matching is by device+inode, so renamed-but-identical entries
// still count. Missing entries are skipped, not errors.
func (cp Classpath) mark(t *fdinfo.Table) {
	for _, entry := range splitEntries(cp.Boot) {
		markEntry(t, entry)
	}
	for _, entry := range splitEntries(cp.App) {
		markEntry(t, entry)
	}

	dirs := splitEntries(cp.ExtensionDirs)
	if len(dirs) == 0 {
		return
	}
	var (
		mu  sync.Mutex
		ids = make(map[fileID]struct{})
	)
	var g errgroup.Group
	g.SetLimit(4)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			local := make(map[fileID]struct{})
			filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // unreadable subtree: skip, same as a missing entry
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				if st, ok := info.Sys().(*syscall.Stat_t); ok {
					local[fileID{dev: uint64(st.Dev), ino: st.Ino}] = struct{}{}
				}
				return nil
			})
			mu.Lock()
			for id := range local {
				ids[id] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for i := range t.Records {
		r := &t.Records[i]
		if r.State != fdinfo.StateRoot {
			continue
		}
		if _, ok := ids[fileID{dev: r.Stat.Dev, ino: r.Stat.Ino}]; ok {
			r.Marks |= fdinfo.MarkClasspath
		}
	}
}

func markEntry(t *fdinfo.Table, entry string) {
	var st unix.Stat_t
	if err := unix.Stat(entry, &st); err != nil {
		return
	}
	for i := range t.Records {
		r := &t.Records[i]
		if r.State == fdinfo.StateClosed {
			continue
		}
		if r.Stat.Dev == st.Dev && r.Stat.Ino == st.Ino {
			r.Marks |= fdinfo.MarkClasspath
		}
	}
}

func splitEntries(s string) []string {
	var entries []string
	for _, e := range strings.Split(s, ":") {
		if e != "" {
			entries = append(entries, e)
		}
	}
	return entries
}
