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
	"golang.org/x/sys/unix"
)

// Kind classifies a blocking descriptor by its file type.
type Kind int

const (
	// KindGeneric covers file types with no more specific classification.
	KindGeneric Kind = iota
	// KindFile covers regular files, directories, devices and symlinks.
	KindFile
	// KindSock covers sockets.
	KindSock
	// KindPipe covers FIFOs.
	KindPipe
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSock:
		return "socket"
	case KindPipe:
		return "pipe"
	default:
		return "generic"
	}
}

// Failure describes one descriptor that blocks a checkpoint.
type Failure struct {
	// Kind is the failure classification.
	Kind Kind
	// Message is the operator-facing diagnostic, usually the descriptor's
	// resolved path, augmented with endpoint details for sockets.
	Message string
}

func kindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		return KindSock
	case unix.S_IFREG, unix.S_IFDIR, unix.S_IFBLK, unix.S_IFCHR, unix.S_IFLNK:
		return KindFile
	case unix.S_IFIFO:
		return KindPipe
	default:
		return KindGeneric
	}
}

func typeOf(mode uint32) string {
	switch mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		return "socket"
	case unix.S_IFLNK:
		return "symlink"
	case unix.S_IFREG:
		return "regular"
	case unix.S_IFBLK:
		return "block"
	case unix.S_IFDIR:
		return "directory"
	case unix.S_IFCHR:
		return "character"
	case unix.S_IFIFO:
		return "fifo"
	default:
		return "unknown"
	}
}
