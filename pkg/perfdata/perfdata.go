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

// Package perfdata manages the file-backed performance counter region
// across checkpoint and restore.
//
// The counter region is a shared mapping of a well-known file so that
// external monitoring tools can sample it. That backing file lives on a
// tmpfs path that does not survive a checkpoint image, so before the
// engine captures the process the region is detached onto a snapshot
// inside the image directory, and after restore it is reattached to a
// freshly written primary file.
package perfdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FileName is the snapshot file name inside a checkpoint image directory.
const FileName = "perfdata"

// Memory is a live, mmapped performance counter region.
type Memory struct {
	mu sync.Mutex
	// path is the primary backing file sampled by external tools.
	path string
	// snapshot is the image-directory copy backing the region while
	// detached; empty while attached to the primary file.
	snapshot string
	data     []byte
}

// New creates (or truncates) the backing file at path and maps a region
// of the given size over it.
func New(path string, size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid counter region size %d", size)
	}
	data, err := mapFile(path, size, true)
	if err != nil {
		return nil, err
	}
	return &Memory{path: path, data: data}, nil
}

// Data returns the live counter region. The slice stays valid until the
// region is detached or closed.
func (m *Memory) Data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// Size returns the region size in bytes.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Attached reports whether the region is backed by its primary file.
func (m *Memory) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot == ""
}

// Checkpoint flushes the region, copies it into dir and remaps it onto
// the copy, so the image holds current counter values and the primary
// file no longer pins a mapping through the capture.
func (m *Memory) Checkpoint(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot != "" {
		return fmt.Errorf("counter region already detached to %s", m.snapshot)
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("flushing counter region: %w", err)
	}
	snapshot := filepath.Join(dir, FileName)
	if err := m.remap(snapshot); err != nil {
		return err
	}
	m.snapshot = snapshot
	logrus.WithField("snapshot", snapshot).Debug("counter region detached")
	return nil
}

// Restore writes the region back to the primary file and remaps it there.
// The primary path may sit on a mount that comes up slightly after the
// process image does, so creation is retried briefly.
func (m *Memory) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == "" {
		return nil
	}
	remap := func() error {
		return m.remap(m.path)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 5)
	if err := backoff.Retry(remap, b); err != nil {
		return fmt.Errorf("reattaching counter region to %s: %w", m.path, err)
	}
	if err := os.Remove(m.snapshot); err != nil {
		logrus.WithError(err).WithField("snapshot", m.snapshot).Warn("removing counter snapshot")
	}
	m.snapshot = ""
	return nil
}

// Close unmaps the region. The backing file is left in place for
// post-mortem inspection.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// remap copies the current region contents into path and swaps the
// mapping onto it. Must be called with mu held.
func (m *Memory) remap(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating counter file: %w", err)
	}
	_, werr := f.Write(m.data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return fmt.Errorf("writing counter file: %w", werr)
	}
	data, err := mapFile(path, len(m.data), false)
	if err != nil {
		return err
	}
	if err := unix.Munmap(m.data); err != nil {
		unix.Munmap(data)
		return fmt.Errorf("unmapping counter region: %w", err)
	}
	m.data = data
	return nil
}

func mapFile(path string, size int, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening counter file: %w", err)
	}
	defer f.Close()
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("sizing counter file: %w", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping counter file: %w", err)
	}
	return data, nil
}
