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

// Package config holds crtool's configuration. Values layer in order:
// built-in defaults, then a YAML file named by --config, then flags given
// explicitly on the command line.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opencrac/crac/pkg/policy"
	"github.com/opencrac/crac/pkg/restorenotify"
)

const configFlag = "config"

// Config is crtool's effective configuration.
type Config struct {
	// CheckpointTo is the image directory written by a checkpoint.
	CheckpointTo string `yaml:"checkpoint-to"`

	// RestoreFrom is the image directory read by a restore.
	RestoreFrom string `yaml:"restore-from"`

	// Engine is the checkpoint engine binary. Bare names resolve next to
	// the crtool executable.
	Engine string `yaml:"engine"`

	// BootClasspath, AppClasspath and ExtensionDirs name code locations
	// whose open descriptors are allowed across a checkpoint.
	BootClasspath string `yaml:"boot-classpath"`
	AppClasspath  string `yaml:"app-classpath"`
	ExtensionDirs string `yaml:"extension-dirs"`

	// ThrowOnFailure makes a blocked checkpoint attempt an error.
	ThrowOnFailure bool `yaml:"throw-on-failure"`

	// AllowSkip lets an attempt complete without invoking the engine.
	AllowSkip bool `yaml:"allow-skip"`

	// RestoreSignal is the realtime wake-up signal number.
	RestoreSignal int `yaml:"restore-signal"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log-format"`
}

func defaults() *Config {
	return &Config{
		Engine:         "criuengine",
		ThrowOnFailure: true,
		RestoreSignal:  int(restorenotify.DefaultSignal),
		LogFormat:      "text",
	}
}

// RegisterFlags declares every configuration flag on fs.
func RegisterFlags(fs *flag.FlagSet) {
	def := defaults()
	fs.String(configFlag, "", "YAML configuration file; explicit flags override its values")
	fs.String("checkpoint-to", def.CheckpointTo, "directory receiving the checkpoint image")
	fs.String("restore-from", def.RestoreFrom, "directory holding the image to restore")
	fs.String("engine", def.Engine, "checkpoint engine binary; bare names resolve next to crtool")
	fs.String("boot-classpath", def.BootClasspath, "colon-separated boot code locations allowed across checkpoint")
	fs.String("app-classpath", def.AppClasspath, "colon-separated application code locations allowed across checkpoint")
	fs.String("extension-dirs", def.ExtensionDirs, "colon-separated directories scanned recursively for allowed code")
	fs.Bool("throw-on-failure", def.ThrowOnFailure, "treat a blocked checkpoint attempt as an error")
	fs.Bool("allow-skip", def.AllowSkip, "complete attempts without invoking the engine")
	fs.Int("restore-signal", def.RestoreSignal, "realtime signal number for the restore wake-up")
	fs.Bool("debug", def.Debug, "enable debug logging")
	fs.String("log-format", def.LogFormat, `log format: "text" or "json"`)
}

// NewFromFlags builds the effective configuration from fs, which must
// already be parsed.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	c := defaults()
	if f := fs.Lookup(configFlag); f != nil && f.Value.String() != "" {
		if err := c.loadFile(f.Value.String()); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		c.applyFlag(f)
	})
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading configuration file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyFlag copies one explicitly set flag into the configuration.
func (c *Config) applyFlag(f *flag.Flag) {
	v := f.Value.(flag.Getter).Get()
	switch f.Name {
	case "checkpoint-to":
		c.CheckpointTo = v.(string)
	case "restore-from":
		c.RestoreFrom = v.(string)
	case "engine":
		c.Engine = v.(string)
	case "boot-classpath":
		c.BootClasspath = v.(string)
	case "app-classpath":
		c.AppClasspath = v.(string)
	case "extension-dirs":
		c.ExtensionDirs = v.(string)
	case "throw-on-failure":
		c.ThrowOnFailure = v.(bool)
	case "allow-skip":
		c.AllowSkip = v.(bool)
	case "restore-signal":
		c.RestoreSignal = v.(int)
	case "debug":
		c.Debug = v.(bool)
	case "log-format":
		c.LogFormat = v.(string)
	}
}

func (c *Config) validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if c.RestoreSignal < 1 || c.RestoreSignal > 64 {
		return fmt.Errorf("invalid restore signal %d", c.RestoreSignal)
	}
	return nil
}

// Classpath returns the policy view of the configured code locations.
func (c *Config) Classpath() policy.Classpath {
	return policy.Classpath{
		Boot:          c.BootClasspath,
		App:           c.AppClasspath,
		ExtensionDirs: c.ExtensionDirs,
	}
}
