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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistrySortedByDescriptor(t *testing.T) {
	reg := &Registry{}
	reg.Register(5, 1, 100)
	reg.Register(3, 1, 101)
	reg.Register(9, 1, 102)
	reg.Register(7, 1, 103)

	want := []Resource{
		{FD: 3, Dev: 1, Ino: 101},
		{FD: 5, Dev: 1, Ino: 100},
		{FD: 7, Dev: 1, Ino: 103},
		{FD: 9, Dev: 1, Ino: 102},
	}
	if diff := cmp.Diff(want, reg.resources); diff != "" {
		t.Errorf("registry order mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryReplaceSameDescriptor(t *testing.T) {
	reg := &Registry{}
	reg.Register(7, 8, 1234)
	reg.Register(7, 8, 5678)

	want := []Resource{{FD: 7, Dev: 8, Ino: 5678}}
	if diff := cmp.Diff(want, reg.resources); diff != "" {
		t.Errorf("re-registration mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryDeregister(t *testing.T) {
	reg := &Registry{}
	reg.Register(3, 1, 100)
	reg.Register(5, 1, 200)

	// Identity mismatch: no-op.
	reg.Deregister(3, 1, 999)
	if reg.Len() != 2 {
		t.Fatalf("mismatched deregister removed an entry: %d left", reg.Len())
	}

	reg.Deregister(3, 1, 100)
	want := []Resource{{FD: 5, Dev: 1, Ino: 200}}
	if diff := cmp.Diff(want, reg.resources); diff != "" {
		t.Errorf("deregister mismatch (-want +got):\n%s", diff)
	}
}
