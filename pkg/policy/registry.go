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
	"sort"
	"sync"

	"github.com/opencrac/crac/pkg/fdinfo"
)

// Resource identifies a descriptor the application asserts is safe across
// checkpoint/restore.
type Resource struct {
	// FD is the descriptor number at registration time.
	FD int
	// Dev and Ino pin the registration to a specific file, so a
	// since-recycled descriptor number does not match.
	Dev uint64
	Ino uint64
}

// Registry holds persistent resource registrations between checkpoint
// attempts. Registrations are a per-attempt budget: each policy evaluation
// consumes and clears the whole set.
//
// Registry is safe for concurrent use outside a checkpoint attempt; during
// evaluation the safepoint guarantees exclusive access.
type Registry struct {
	mu sync.Mutex
	// resources is kept sorted by descriptor number.
	resources []Resource
}

// Register records fd (with its identity) as a persistent resource.
// Re-registering a descriptor number replaces the previous entry.
func (reg *Registry) Register(fd int, dev, ino uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r := Resource{FD: fd, Dev: dev, Ino: ino}
	i := sort.Search(len(reg.resources), func(i int) bool { return reg.resources[i].FD >= fd })
	if i < len(reg.resources) && reg.resources[i].FD == fd {
		reg.resources[i] = r
		return
	}
	reg.resources = append(reg.resources, Resource{})
	copy(reg.resources[i+1:], reg.resources[i:])
	reg.resources[i] = r
}

// Deregister removes a previous registration. The descriptor identity must
// match exactly; a stale registration for a recycled fd is left in place.
func (reg *Registry) Deregister(fd int, dev, ino uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for i, r := range reg.resources {
		if r.FD == fd && r.Dev == dev && r.Ino == ino {
			reg.resources = append(reg.resources[:i], reg.resources[i+1:]...)
			return
		}
	}
}

// Len returns the number of live registrations.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.resources)
}

// markPersistent marks every registered descriptor still matching its
// registered identity, then clears the registry.
func (reg *Registry) markPersistent(t *fdinfo.Table) {
	reg.mu.Lock()
	resources := reg.resources
	reg.resources = nil
	reg.mu.Unlock()

	for _, res := range resources {
		if res.FD >= t.Len() {
			// Sorted by descriptor: nothing further can match.
			break
		}
		r := t.Get(res.FD)
		if r.State != fdinfo.StateRoot {
			continue
		}
		if r.Stat.Dev == res.Dev && r.Stat.Ino == res.Ino {
			r.Marks |= fdinfo.MarkPersistent
		}
	}
}
