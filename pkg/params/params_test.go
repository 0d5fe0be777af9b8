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
	"encoding/binary"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	in := &Block{
		RestoreTime:    1716915590123,
		RestoreCounter: 987654321098765,
		Properties:     []string{"user.dir=/srv/app", "crac.restored=true", "empty="},
		Env:            []string{"PATH=/usr/bin", "HOME=/home/app", "TERM=xterm"},
		Args:           "com.example.Main --port 8080",
	}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(): %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-in +out):\n%s", diff)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	in := &Block{}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(): %v", err)
	}
	if out.Args != "" || len(out.Properties) != 0 || len(out.Env) != 0 {
		t.Errorf("empty block round trip: got %+v", out)
	}
}

func TestDecodeShortHeader(t *testing.T) {
	if _, err := Decode(make([]byte, headerSize-1)); err == nil {
		t.Errorf("Decode() accepted a short header")
	}
}

func TestDecodePropertyOverrun(t *testing.T) {
	// Header claims two properties but only one terminated string follows.
	data := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(data[16:], 2)
	data = append(data, []byte("a=b\x00")...)
	if _, err := Decode(data); err == nil {
		t.Errorf("Decode() accepted property overrun")
	}
}

func TestDecodeEnvOverrun(t *testing.T) {
	data := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(data[20:], 100)
	data = append(data, []byte("X=1\x00args\x00")...)
	if _, err := Decode(data); err == nil {
		t.Errorf("Decode() accepted environment overrun")
	}
}

func TestDecodeEnvMissingTerminator(t *testing.T) {
	// Environment section whose final entry lost its NUL.
	data := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(data[20:], 3)
	data = append(data, []byte("X=1args\x00")...)
	if _, err := Decode(data); err == nil {
		t.Errorf("Decode() accepted unterminated environment entry")
	}
}

func TestDecodeMissingArgsTerminator(t *testing.T) {
	data := make([]byte, headerSize)
	data = append(data, []byte("args")...)
	if _, err := Decode(data); err == nil {
		t.Errorf("Decode() accepted unterminated argument string")
	}
}

func TestEncodeRejectsEmbeddedNUL(t *testing.T) {
	if _, err := (&Block{Properties: []string{"a\x00b=c"}}).Encode(); err == nil {
		t.Errorf("Encode() accepted NUL in property")
	}
	if _, err := (&Block{Args: "bad\x00arg"}).Encode(); err == nil {
		t.Errorf("Encode() accepted NUL in args")
	}
}

func TestSegmentWriteRead(t *testing.T) {
	seg := Segment{ID: 42, Dir: t.TempDir()}
	in := &Block{RestoreTime: 1, RestoreCounter: 2, Properties: []string{"k=v"}, Args: "run"}
	if err := seg.Write(in); err != nil {
		t.Fatalf("Write(): %v", err)
	}

	st, err := os.Stat(seg.Path())
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}
	if got := st.Mode().Perm(); got != 0600 {
		t.Errorf("segment permissions: got %v, want %v", got, os.FileMode(0600))
	}

	out, err := seg.Read()
	if err != nil {
		t.Fatalf("Read(): %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("segment round trip mismatch (-in +out):\n%s", diff)
	}
	// Read unlinks the segment as part of the handoff.
	if _, err := os.Stat(seg.Path()); !os.IsNotExist(err) {
		t.Errorf("segment still present after Read(): %v", err)
	}
}

func TestSegmentReadMissing(t *testing.T) {
	seg := Segment{ID: 7, Dir: t.TempDir()}
	if _, err := seg.Read(); err == nil {
		t.Errorf("Read() of absent segment succeeded")
	}
}

func TestInstallEnv(t *testing.T) {
	const key = "CRAC_PARAMS_TEST_VAR"
	t.Setenv(key, "old")
	b := &Block{Env: []string{key + "=new", "MALFORMED", "=alsobad"}}
	b.InstallEnv()
	if got := os.Getenv(key); got != "new" {
		t.Errorf("environment not installed: got %q, want %q", got, "new")
	}
}
