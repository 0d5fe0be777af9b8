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
	"os"

	"github.com/opencrac/crac/pkg/engine"
	"github.com/opencrac/crac/pkg/params"
)

// RestoreEnvVar tells the engine's post-resume hook which parameter
// segment this restore published.
const RestoreEnvVar = "CRAC_NEW_ARGS_ID"

// Restore replaces the current process with the engine's restore action
// for the image in restoreFrom. Updated system properties, arguments and
// the current environment are published through a parameter segment keyed
// by this process's pid; the engine forwards the key to the resumed
// runtime via the wake-up signal. On success Restore does not return.
func Restore(eng *engine.Engine, restoreFrom string, properties []string, args string) error {
	if eng == nil {
		return fmt.Errorf("no checkpoint engine configured")
	}
	seg := params.NewSegment(os.Getpid())
	blk := &params.Block{
		RestoreTime:    nowMillis(),
		RestoreCounter: nowNanos(),
		Properties:     properties,
		Env:            os.Environ(),
		Args:           args,
	}
	if err := seg.Write(blk); err != nil {
		return err
	}
	extraEnv := []string{fmt.Sprintf("%s=%d", RestoreEnvVar, seg.ID)}
	err := eng.Restore(restoreFrom, extraEnv)
	seg.Unlink()
	return err
}
