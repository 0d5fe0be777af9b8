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

package engine

import (
	"fmt"

	criu "github.com/checkpoint-restore/go-criu/v7"
	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

// minCRIUVersion is the oldest CRIU release whose image format the
// restore path understands, encoded as major*10000 + minor*100 + sublevel.
const minCRIUVersion = 31600

// CheckCRIU verifies that a usable criu binary is installed and, when
// needLazyPages is set, that it supports lazy page migration. It is a
// preflight check only; the actual checkpoint still goes through the
// engine binary.
func CheckCRIU(needLazyPages bool) error {
	c := criu.MakeCriu()
	version, err := c.GetCriuVersion()
	if err != nil {
		return fmt.Errorf("checking criu version: %w", err)
	}
	logrus.WithField("version", version).Debug("criu version probe")
	if version < minCRIUVersion {
		return fmt.Errorf("criu version %d is too old, need at least %d", version, minCRIUVersion)
	}
	if needLazyPages {
		feat, err := c.FeatureCheck(&rpc.CriuFeatures{LazyPages: proto.Bool(true)})
		if err != nil {
			return fmt.Errorf("checking criu features: %w", err)
		}
		if !feat.GetLazyPages() {
			return fmt.Errorf("criu does not support lazy pages")
		}
	}
	return nil
}
