// Copyright 2024 Alexandre Mahdhaoui
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

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alexandremahdhaoui/buildvm/pkg/buildvm"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "BUILDVM_CONFIG_PATH"

	// DefaultDir is the managed directory used when none is configured.
	DefaultDir = "builder"
)

var (
	ErrReadConfig    = errors.New("reading config file")
	ErrParseConfig   = errors.New("parsing config file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds the configuration of buildvm.
//
// It is read from a YAML or JSON file, then environment variables and command
// line flags override it in that order.
type Config struct {
	// Dir is the managed directory holding the Vagrantfile of the build VM.
	Dir string `json:"dir"`

	// Provider forces a backend ("libvirt" or "virtualbox"). Empty means detect;
	// an unsupported value is logged by the selector and detection proceeds.
	Provider string `json:"provider,omitempty"`

	// Libvirt

	// LibvirtURI is the libvirt daemon connection URI.
	LibvirtURI string `json:"libvirtURI"`
	// StoragePool is the libvirt storage pool holding VM and box volumes.
	StoragePool string `json:"storagePool"`
	// PrivilegedImageFix allows packaging to make an unreadable VM image
	// world-readable with PrivilegedCommand.
	PrivilegedImageFix bool `json:"privilegedImageFix"`
	// PrivilegedCommand prefixes the chmod run by PrivilegedImageFix.
	PrivilegedCommand []string `json:"privilegedCommand"`

	// Vagrant

	// VagrantHome overrides $VAGRANT_HOME for every vagrant invocation.
	VagrantHome string `json:"vagrantHome,omitempty"`

	// Observability

	// MetricsTextfile is where metrics are written in the Prometheus text
	// format when the command exits. Empty disables it.
	MetricsTextfile string `json:"metricsTextfile,omitempty"`
	// DevelopmentMode enables human-readable debug logging.
	DevelopmentMode bool `json:"developmentMode"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Dir:                DefaultDir,
		Provider:           "", // detect
		LibvirtURI:         buildvm.DefaultLibvirtURI,
		StoragePool:        buildvm.DefaultStoragePool,
		PrivilegedImageFix: false,
		PrivilegedCommand:  []string{"sudo"},
		VagrantHome:        "",
		MetricsTextfile:    "",
		DevelopmentMode:    false,
	}
}

// LoadConfig loads configuration from a YAML or JSON file path on top of the
// defaults, then applies environment variable overrides.
// If configPath is empty, it uses environment variables only.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("path=%s", configPath), ErrReadConfig)
		}

		// sigs.k8s.io/yaml uses the json tags and accepts JSON documents as is.
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Join(err, fmt.Errorf("path=%s", configPath), ErrParseConfig)
		}
	}

	config.applyEnvironmentOverrides()

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("BUILDVM_DIR"); val != "" {
		c.Dir = val
	}
	if val := os.Getenv("BUILDVM_PROVIDER"); val != "" {
		c.Provider = val
	}
	if val := os.Getenv("BUILDVM_LIBVIRT_URI"); val != "" {
		c.LibvirtURI = val
	}
	if val := os.Getenv("BUILDVM_STORAGE_POOL"); val != "" {
		c.StoragePool = val
	}
	if val := os.Getenv("BUILDVM_PRIVILEGED_IMAGE_FIX"); val != "" {
		c.PrivilegedImageFix = parseBool(val)
	}
	if val := os.Getenv("BUILDVM_PRIVILEGED_COMMAND"); val != "" {
		c.PrivilegedCommand = strings.Fields(val)
	}
	if val := os.Getenv("BUILDVM_VAGRANT_HOME"); val != "" {
		c.VagrantHome = val
	}
	if val := os.Getenv("BUILDVM_METRICS_TEXTFILE"); val != "" {
		c.MetricsTextfile = val
	}
	if val := os.Getenv("BUILDVM_DEV_MODE"); val != "" {
		c.DevelopmentMode = parseBool(val)
	}
}

func parseBool(val string) bool {
	return val == "true" || val == "1" || val == "yes"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir cannot be empty"))
	}

	if c.LibvirtURI == "" {
		errs = append(errs, errors.New("libvirtURI cannot be empty"))
	}

	if c.StoragePool == "" {
		errs = append(errs, errors.New("storagePool cannot be empty"))
	}

	if c.PrivilegedImageFix && len(c.PrivilegedCommand) == 0 {
		errs = append(errs, errors.New("privilegedCommand cannot be empty when privilegedImageFix is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(append(errs, ErrInvalidConfig)...)
	}

	return nil
}

// controllerOptions translates the configuration into controller options.
func (c *Config) controllerOptions() []buildvm.Option {
	opts := []buildvm.Option{
		buildvm.WithLibvirtURI(c.LibvirtURI),
		buildvm.WithStoragePool(c.StoragePool),
	}
	if c.VagrantHome != "" {
		opts = append(opts, buildvm.WithVagrantHome(c.VagrantHome))
	}
	if c.PrivilegedImageFix {
		opts = append(opts, buildvm.WithPrivilegedImageFix(c.PrivilegedCommand...))
	}
	return opts
}
