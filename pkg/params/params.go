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

// Package params implements the restore parameter channel: the
// shared-memory payload carrying updated arguments, system properties and
// environment variables from the restoring process generation to the
// resumed runtime.
//
// Wire format: a fixed 24-byte little-endian header
//
//	restore-time    int64  (wall clock, milliseconds)
//	restore-counter int64  (monotonic, nanoseconds)
//	property-count  int32
//	env-byte-length int32
//
// followed by property-count NUL-terminated "key=value" property strings,
// then exactly env-byte-length bytes of NUL-terminated environment strings
// packed back to back, then a single NUL-terminated argument string. The
// layout is self-describing from the header counts alone; no delimiter is
// trusted for framing across the property/environment boundary. There is
// no version field: format changes are a breaking change between engine
// and runtime builds.
package params

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const headerSize = 8 + 8 + 4 + 4

// Block is the decoded restore parameter payload.
type Block struct {
	// RestoreTime is the wall-clock time of the restore, in milliseconds.
	RestoreTime int64
	// RestoreCounter is the restoring generation's monotonic counter, in
	// nanoseconds.
	RestoreCounter int64
	// Properties holds "key=value" system property strings.
	Properties []string
	// Env holds the full environment block of the restoring generation.
	Env []string
	// Args is the updated command-line argument string.
	Args string
}

// Encode serializes the block into its wire format.
func (b *Block) Encode() ([]byte, error) {
	envLen := 0
	for _, e := range b.Env {
		envLen += len(e) + 1
	}
	if len(b.Properties) > math.MaxInt32 || envLen > math.MaxInt32 {
		return nil, fmt.Errorf("parameter block too large: %d properties, %d env bytes", len(b.Properties), envLen)
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(b.RestoreTime))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(b.RestoreCounter))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(b.Properties)))
	binary.LittleEndian.PutUint32(hdr[20:], uint32(envLen))

	var buf bytes.Buffer
	buf.Write(hdr[:])
	for _, p := range b.Properties {
		if strings.IndexByte(p, 0) >= 0 {
			return nil, fmt.Errorf("property %q contains NUL", p)
		}
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	for _, e := range b.Env {
		if strings.IndexByte(e, 0) >= 0 {
			return nil, fmt.Errorf("environment entry %q contains NUL", e)
		}
		buf.WriteString(e)
		buf.WriteByte(0)
	}
	if strings.IndexByte(b.Args, 0) >= 0 {
		return nil, fmt.Errorf("argument string contains NUL")
	}
	buf.WriteString(b.Args)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// Decode parses a wire-format payload. Framing follows the header counts
// exactly; any overrun is an error.
func Decode(data []byte) (*Block, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("parameter block too short: %d bytes", len(data))
	}
	b := &Block{
		RestoreTime:    int64(binary.LittleEndian.Uint64(data[0:])),
		RestoreCounter: int64(binary.LittleEndian.Uint64(data[8:])),
	}
	nprops := int32(binary.LittleEndian.Uint32(data[16:]))
	envLen := int32(binary.LittleEndian.Uint32(data[20:]))
	if nprops < 0 || envLen < 0 {
		return nil, fmt.Errorf("malformed header: %d properties, %d env bytes", nprops, envLen)
	}

	cursor := data[headerSize:]
	for i := int32(0); i < nprops; i++ {
		n := bytes.IndexByte(cursor, 0)
		if n < 0 {
			return nil, fmt.Errorf("property %d exceeds block size", i)
		}
		b.Properties = append(b.Properties, string(cursor[:n]))
		cursor = cursor[n+1:]
	}

	if int(envLen) > len(cursor) {
		return nil, fmt.Errorf("environment section (%d bytes) exceeds block size", envLen)
	}
	env := cursor[:envLen]
	cursor = cursor[envLen:]
	for len(env) > 0 {
		n := bytes.IndexByte(env, 0)
		if n < 0 {
			return nil, fmt.Errorf("environment entry not NUL-terminated, maybe ending 0 is lost")
		}
		b.Env = append(b.Env, string(env[:n]))
		env = env[n+1:]
	}

	n := bytes.IndexByte(cursor, 0)
	if n < 0 {
		return nil, fmt.Errorf("argument string not NUL-terminated")
	}
	b.Args = string(cursor[:n])
	return b, nil
}

// InstallEnv applies the block's environment to the current process,
// last writer wins. Entries without '=' are skipped.
func (b *Block) InstallEnv() {
	for _, e := range b.Env {
		k, v, found := strings.Cut(e, "=")
		if !found || k == "" {
			logrus.WithField("entry", e).Warn("skipping malformed environment entry")
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			logrus.WithField("entry", e).WithError(err).Warn("setting environment variable")
		}
	}
}
