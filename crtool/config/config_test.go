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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("crtool", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parsing flags %v: %v", args, err)
	}
	return NewFromFlags(fs)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crtool.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c, err := parse(t)
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	if c.Engine != "criuengine" {
		t.Errorf("default engine: got %q", c.Engine)
	}
	if !c.ThrowOnFailure {
		t.Errorf("default throw-on-failure: got false")
	}
	if c.RestoreSignal != 36 {
		t.Errorf("default restore-signal: got %d", c.RestoreSignal)
	}
	if c.LogFormat != "text" {
		t.Errorf("default log-format: got %q", c.LogFormat)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeConfig(t, `
checkpoint-to: /var/lib/images/app
engine: /usr/local/bin/criuengine
throw-on-failure: false
debug: true
`)
	c, err := parse(t, "--config", path)
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	if c.CheckpointTo != "/var/lib/images/app" {
		t.Errorf("checkpoint-to: got %q", c.CheckpointTo)
	}
	if c.Engine != "/usr/local/bin/criuengine" {
		t.Errorf("engine: got %q", c.Engine)
	}
	if c.ThrowOnFailure {
		t.Errorf("throw-on-failure not taken from file")
	}
	if !c.Debug {
		t.Errorf("debug not taken from file")
	}
	// Keys absent from the file keep their defaults.
	if c.RestoreSignal != 36 {
		t.Errorf("restore-signal default lost: got %d", c.RestoreSignal)
	}
}

func TestFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine: /from/file\ncheckpoint-to: /from/file\n")
	c, err := parse(t, "--config", path, "--engine", "/from/flag")
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	if c.Engine != "/from/flag" {
		t.Errorf("explicit flag lost to file: got %q", c.Engine)
	}
	if c.CheckpointTo != "/from/file" {
		t.Errorf("file value lost without flag: got %q", c.CheckpointTo)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "no-such-option: 1\n")
	if _, err := parse(t, "--config", path); err == nil {
		t.Errorf("unknown configuration key accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	if _, err := parse(t, "--log-format", "xml"); err == nil {
		t.Errorf("invalid log format accepted")
	}
	if _, err := parse(t, "--restore-signal", "0"); err == nil {
		t.Errorf("invalid restore signal accepted")
	}
}

func TestClasspathView(t *testing.T) {
	c, err := parse(t, "--boot-classpath", "/jdk/lib", "--app-classpath", "/app.jar:/lib.jar", "--extension-dirs", "/ext")
	if err != nil {
		t.Fatalf("NewFromFlags(): %v", err)
	}
	cp := c.Classpath()
	if cp.Boot != "/jdk/lib" || cp.App != "/app.jar:/lib.jar" || cp.ExtensionDirs != "/ext" {
		t.Errorf("Classpath(): got %+v", cp)
	}
}
