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

	"github.com/alexandremahdhaoui/autohck/pkg/filelock"
	"github.com/alexandremahdhaoui/autohck/pkg/status"
	"sigs.k8s.io/yaml"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "AUTOHCK_CONFIG_PATH"

	envPrefix = "AUTOHCK_"
)

// FileHostConfig is the SFTP host test results are published to.
type FileHostConfig struct {
	Host           string `json:"host"`
	Port           string `json:"port,omitempty"`
	User           string `json:"user"`
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty"`
	// Root is the directory run folders are created in.
	Root string `json:"root"`
	// PublicURL serves Root.
	PublicURL string `json:"publicURL"`
}

// Config holds the configuration for autohck
type Config struct {
	// VirtHCKPath is the directory of the VM launch script and its images.
	VirtHCKPath string `json:"virthckPath"`
	QemuBin     string `json:"qemuBin"`
	QemuImg     string `json:"qemuImg"`
	// IPSegment prefixes the platform id to form the controller address,
	// e.g. "192.168.0." for platform 7 gives "192.168.0.7".
	IPSegment string `json:"ipSegment"`
	// DHCPBridge is the bridge the machines reach the world through.
	DHCPBridge string `json:"dhcpBridge"`

	// ToolsHCKPath is the automation script on the controller.
	ToolsHCKPath   string `json:"toolshckPath"`
	StudioUsername string `json:"studioUsername"`
	StudioPassword string `json:"studioPassword"`
	StudioSSHPort  string `json:"studioSSHPort,omitempty"`

	// FiltersPath is the result filter file uploaded to the controller when
	// it exists.
	FiltersPath string `json:"filtersPath"`
	LockPath    string `json:"lockPath"`

	Repository   string `json:"repository"`
	GitHubAPIURL string `json:"githubAPIURL"`
	GitHubToken  string `json:"githubToken,omitempty"`

	FileHost *FileHostConfig `json:"fileHost,omitempty"`

	// MetricsBind is the address for the metrics server; empty disables it.
	MetricsBind string `json:"metricsBind"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		QemuImg:      "qemu-img",
		FiltersPath:  "filters/UpdateFilters.sql",
		LockPath:     filelock.DefaultPath,
		GitHubAPIURL: status.DefaultAPIURL,
	}
}

// LoadConfig loads configuration from a JSON or YAML file and applies the
// environment overrides. An empty configPath uses the environment only.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnvironmentOverrides() {
	overrides := map[string]*string{
		"VIRTHCK_PATH":    &c.VirtHCKPath,
		"QEMU_BIN":        &c.QemuBin,
		"QEMU_IMG":        &c.QemuImg,
		"IP_SEGMENT":      &c.IPSegment,
		"DHCP_BRIDGE":     &c.DHCPBridge,
		"TOOLSHCK_PATH":   &c.ToolsHCKPath,
		"STUDIO_USERNAME": &c.StudioUsername,
		"STUDIO_PASSWORD": &c.StudioPassword,
		"FILTERS_PATH":    &c.FiltersPath,
		"LOCK_PATH":       &c.LockPath,
		"REPOSITORY":      &c.Repository,
		"GITHUB_API_URL":  &c.GitHubAPIURL,
		"GITHUB_TOKEN":    &c.GitHubToken,
		"METRICS_BIND":    &c.MetricsBind,
	}

	for key, field := range overrides {
		if val := os.Getenv(envPrefix + key); val != "" {
			*field = val
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	required := []struct{ name, value string }{
		{"virthckPath", c.VirtHCKPath},
		{"qemuBin", c.QemuBin},
		{"qemuImg", c.QemuImg},
		{"ipSegment", c.IPSegment},
		{"dhcpBridge", c.DHCPBridge},
		{"toolshckPath", c.ToolsHCKPath},
		{"studioUsername", c.StudioUsername},
		{"lockPath", c.LockPath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s cannot be empty", r.name))
		}
	}

	if c.FileHost != nil {
		if c.FileHost.Host == "" {
			errs = append(errs, errors.New("fileHost.host cannot be empty"))
		}
		if c.FileHost.Root == "" {
			errs = append(errs, errors.New("fileHost.root cannot be empty"))
		}
	}

	return errors.Join(errs...)
}

// StudioAddress returns the address of the controller of a platform.
func (c *Config) StudioAddress(platformID int) string {
	return fmt.Sprintf("%s%d", c.IPSegment, platformID)
}
