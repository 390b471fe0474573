// Copyright 2026 The Veilfs Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the mount configuration.
type Config struct {
	// Target is the backing directory holding the ciphertext.
	Target string `yaml:"target"`

	// Mountpoint is where the decorated view is mounted.
	Mountpoint string `yaml:"mountpoint"`

	// Recipients are the key identifiers every file is encrypted
	// for. At least one is required.
	Recipients []string `yaml:"recipients"`

	// GPGProgram is the external encryption program. Defaults to
	// "gpg" resolved through PATH.
	GPGProgram string `yaml:"gpg_program"`

	// Decrypt enables the decrypting (read-write) mode. The default
	// is the write-only mode, where existing files can never be
	// read back through the mount.
	Decrypt bool `yaml:"decrypt"`

	// MemoryLock controls locking of plaintext buffers against
	// swap: "none", "buffers", or "all".
	MemoryLock string `yaml:"memory_lock"`

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`
}

// Default returns the default configuration. The config file or
// command-line flags must still supply target, mountpoint, and
// recipients.
func Default() *Config {
	return &Config{
		GPGProgram: "gpg",
		MemoryLock: "none",
	}
}

// Load loads configuration from the file named by the VEILFS_CONFIG
// environment variable. There are no fallbacks and no automatic file
// discovery.
func Load() (*Config, error) {
	path := os.Getenv("VEILFS_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("VEILFS_CONFIG environment variable not set; " +
			"set it to the path of your veilfs.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The only
// expansion performed is ${VAR} and ${VAR:-default} in path fields;
// environment variables never override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.Target = expandVars(cfg.Target)
	cfg.Mountpoint = expandVars(cfg.Mountpoint)
	cfg.GPGProgram = expandVars(cfg.GPGProgram)
	return cfg, nil
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Target == "" {
		errs = append(errs, fmt.Errorf("target is required"))
	}
	if c.Mountpoint == "" {
		errs = append(errs, fmt.Errorf("mountpoint is required"))
	}
	if len(c.Recipients) == 0 {
		errs = append(errs, fmt.Errorf("at least one recipient is required"))
	}
	for _, recipient := range c.Recipients {
		if recipient == "" {
			errs = append(errs, fmt.Errorf("empty recipient"))
		}
	}
	if c.GPGProgram == "" {
		errs = append(errs, fmt.Errorf("gpg_program is required"))
	}

	lockValues := []string{"none", "buffers", "all"}
	valid := false
	for _, v := range lockValues {
		if c.MemoryLock == v {
			valid = true
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("memory_lock must be one of: %v", lockValues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
