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

// Package catalog describes the devices under test and the platforms they can
// be certified on.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

var (
	ErrReadCatalog      = errors.New("failed to read device catalog")
	ErrParseCatalog     = errors.New("failed to parse device catalog")
	ErrInvalidTag       = errors.New("invalid run tag, expected DEVICE-PLATFORM")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrUnknownPlatform  = errors.New("unknown platform for device")
	ErrDriverNotFound   = errors.New("driver not found in given path")
	ErrUnsupportedRole  = errors.New("unsupported machine role")
	ErrMissingDriverInf = errors.New("device has no driver package file")
)

// Role identifies one machine of a certification environment.
type Role string

const (
	// Studio is the controller machine hosting the certification kit.
	Studio Role = "st"
	// Client1 is the machine under test.
	Client1 Role = "c1"
	// Client2 is the support machine used by multi-machine tests.
	Client2 Role = "c2"
)

// Roles returns the roles provisioned for a run, controller first.
func Roles(support bool) []Role {
	if support {
		return []Role{Studio, Client1, Client2}
	}
	return []Role{Studio, Client1}
}

// Clients returns the client roles provisioned for a run.
func Clients(support bool) []Role {
	if support {
		return []Role{Client1, Client2}
	}
	return []Role{Client1}
}

// PassThrough describes the emulated or passed-through hardware attached to
// the client machines.
type PassThrough struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Extra string `json:"extra,omitempty"`
}

// ClientResources holds the per-client CPU and memory allocation.
type ClientResources struct {
	CPUs   int    `json:"cpus"`
	Memory string `json:"memory"`
}

// Platform is a per-device resource profile.
type Platform struct {
	Name string `json:"name"`
	// ID derives the network ports, addresses and process names of the
	// environment.
	ID                 int    `json:"id"`
	Kit                string `json:"kit"`
	CtrlNetDevice      string `json:"ctrl_net_device"`
	WorldNetDevice     string `json:"world_net_device"`
	FileTransferDevice string `json:"file_transfer_device"`

	C1 ClientResources `json:"c1"`
	C2 ClientResources `json:"c2"`
}

// Resources returns the allocation of a client role.
func (p Platform) Resources(role Role) (ClientResources, error) {
	switch role {
	case Client1:
		return p.C1, nil
	case Client2:
		return p.C2, nil
	default:
		return ClientResources{}, fmt.Errorf("%w: %s has no client resources", ErrUnsupportedRole, role)
	}
}

// BaseImage returns the name (without extension) of the immutable image a
// role's snapshot is layered over.
func (p Platform) BaseImage(role Role) string {
	if role == Studio {
		return p.Kit
	}
	return fmt.Sprintf("%s-%s-%s", p.Kit, role, p.Name)
}

// Device is a driver under test.
type Device struct {
	// Name is matched against the target names exposed by the client.
	Name          string `json:"name"`
	Short         string `json:"short"`
	Inf           string `json:"inf"`
	InstallMethod string `json:"install_method"`
	// Support requires a second client machine.
	Support bool `json:"support"`
	// Playlist and Blacklist are applied when non-nil. An empty playlist
	// selects no test at all.
	Playlist  []string    `json:"playlist"`
	Blacklist []string    `json:"blacklist"`
	Device    PassThrough `json:"device"`
	Platforms []Platform  `json:"platforms"`
}

// Platform looks up one of the device's platforms by name.
func (d Device) Platform(name string) (Platform, error) {
	for _, p := range d.Platforms {
		if p.Name == name {
			return p, nil
		}
	}
	return Platform{}, fmt.Errorf("%w: %q has no %q platform", ErrUnknownPlatform, d.Short, name)
}

// Tag returns the DEVICE-PLATFORM key naming the run, its pool and project.
func Tag(d Device, p Platform) string {
	return d.Short + "-" + p.Name
}

// ParseTag splits a DEVICE-PLATFORM run tag.
func ParseTag(tag string) (device, platform string, err error) {
	parts := strings.Split(tag, "-")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return parts[0], parts[len(parts)-1], nil
}

// Catalog is the list of known devices.
type Catalog struct {
	Devices []Device
}

// Load reads a device catalog. Both JSON and YAML documents are accepted.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, ErrReadCatalog)
	}

	var devices []Device
	if err := yaml.Unmarshal(data, &devices); err != nil {
		return nil, errors.Join(err, ErrParseCatalog)
	}

	return &Catalog{Devices: devices}, nil
}

// Device looks up a device by its short name.
func (c *Catalog) Device(short string) (Device, error) {
	for _, d := range c.Devices {
		if d.Short == short {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, short)
}

// Resolve maps a run tag to its device and platform.
func (c *Catalog) Resolve(tag string) (Device, Platform, error) {
	deviceName, platformName, err := ParseTag(tag)
	if err != nil {
		return Device{}, Platform{}, err
	}

	device, err := c.Device(deviceName)
	if err != nil {
		return Device{}, Platform{}, err
	}

	platform, err := device.Platform(platformName)
	if err != nil {
		return Device{}, Platform{}, err
	}

	return device, platform, nil
}

// DriverPath returns the driver package file of a device inside dir and checks
// that it exists.
func DriverPath(dir string, d Device) (string, error) {
	if d.Inf == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingDriverInf, d.Short)
	}

	path := filepath.Join(strings.TrimSuffix(dir, "/"), d.Inf)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrDriverNotFound, path)
	}

	return path, nil
}
