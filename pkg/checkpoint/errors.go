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

package checkpoint

import (
	"fmt"

	"github.com/opencrac/crac/pkg/engine"
	"github.com/opencrac/crac/pkg/policy"
)

// PolicyError reports an attempt aborted because blocking descriptors
// remained open.
type PolicyError struct {
	Failures []policy.Failure
}

// Error implements error.
func (e *PolicyError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("checkpoint blocked: %s: %s", e.Failures[0].Kind, e.Failures[0].Message)
	}
	return fmt.Sprintf("checkpoint blocked by %d descriptors", len(e.Failures))
}

// EngineError reports an engine invocation that did not exit cleanly.
type EngineError struct {
	Result engine.Result
}

// Error implements error.
func (e *EngineError) Error() string {
	return "checkpoint engine: " + e.Result.String()
}
