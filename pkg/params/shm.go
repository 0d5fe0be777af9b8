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

package params

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// shmDir is where POSIX shared memory objects appear on Linux.
const shmDir = "/dev/shm"

// Segment names the shared-memory handoff segment for one restore id. The
// name is deterministic so the writer (restoring generation) and reader
// (resumed runtime) rendezvous without prior coordination; the id is
// typically the restoring process's pid.
type Segment struct {
	// ID parameterizes the segment name.
	ID int
	// Dir is the shared-memory mount; defaults to /dev/shm.
	Dir string
}

// NewSegment returns the segment for id under the default shared-memory
// mount.
func NewSegment(id int) Segment {
	return Segment{ID: id, Dir: shmDir}
}

// Path returns the segment's filesystem path.
func (s Segment) Path() string {
	return filepath.Join(s.Dir, fmt.Sprintf("crac_%d", s.ID))
}

// Unlink removes the segment.
func (s Segment) Unlink() error {
	return os.Remove(s.Path())
}

// Write serializes b into the segment, created with user-only
// permissions. The write is all-or-nothing: on any failure the segment is
// removed and an error returned.
func (s Segment) Write(b *Block) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating parameter segment: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		s.Unlink()
		return fmt.Errorf("writing parameter segment: %w", werr)
	}
	return nil
}

// Read decodes the segment's contents. The segment is unlinked as soon as
// it has been opened (successfully or not) so it never outlives the
// handoff.
func (s Segment) Read() (*Block, error) {
	f, err := os.Open(s.Path())
	s.Unlink()
	if err != nil {
		return nil, fmt.Errorf("opening parameter segment: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sizing parameter segment: %w", err)
	}
	data := make([]byte, st.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("reading parameter segment: %w", err)
	}
	return Decode(data)
}
