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

// Package enrollment brings freshly booted machines into the certification
// kit: the controller gets its pool and project, every client gets the driver
// under test and joins the project pool.
//
// A client goes through these states:
//
//	Unregistered -> Initializing -> Ready(Default Pool) -> DriverInstalled
//	  -> Restarting -> Ready(project pool)
//
// Waiting on the Default Pool has no timeout: a client that never registers
// blocks enrollment until the context is canceled.
package enrollment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/alexandremahdhaoui/autohck/pkg/poll"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultSettleDelay  = 120 * time.Second
	DefaultBootDelay    = 10 * time.Second
)

var (
	ErrDefaultPoolNotFound = errors.New("default pool not found")
	ErrMachineVanished     = errors.New("machine left the default pool while initializing")
)

// Machines boots machines of the environment.
type Machines interface {
	RunMachine(ctx context.Context, role catalog.Role) error
	WaitReachable(ctx context.Context, address string) error
}

// Connector connects an automation client to the controller at address.
type Connector func(ctx context.Context, address string) (hckclient.Client, error)

type StudioConfig struct {
	// Address of the controller machine.
	Address string
	// Project names the project and its pool.
	Project string
	// FiltersPath is a local filter file uploaded when it exists.
	FiltersPath string
	BootDelay   time.Duration
}

// SetupStudio boots the controller, connects to it and creates the project
// and its pool. The returned client is owned by the caller.
func SetupStudio(ctx context.Context, machines Machines, connect Connector, cfg StudioConfig, clk clock.Clock, log logr.Logger) (hckclient.Client, error) {
	if cfg.BootDelay == 0 {
		cfg.BootDelay = DefaultBootDelay
	}

	if err := machines.RunMachine(ctx, catalog.Studio); err != nil {
		return nil, err
	}
	if err := poll.Sleep(ctx, clk, cfg.BootDelay); err != nil {
		return nil, err
	}
	if err := machines.WaitReachable(ctx, cfg.Address); err != nil {
		return nil, err
	}

	log.Info("connecting to controller", "address", cfg.Address)
	client, err := connect(ctx, cfg.Address)
	if err != nil {
		return nil, err
	}

	if err := setupProject(ctx, client, cfg, log); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

func setupProject(ctx context.Context, client hckclient.Client, cfg StudioConfig, log logr.Logger) error {
	log.Info("creating pool", "pool", cfg.Project)
	if err := unwrap(client.CreatePool(ctx, cfg.Project)); err != nil {
		return err
	}

	log.Info("creating project", "project", cfg.Project)
	if err := unwrap(client.CreateProject(ctx, cfg.Project)); err != nil {
		return err
	}

	if cfg.FiltersPath == "" {
		return nil
	}
	if info, err := os.Stat(cfg.FiltersPath); err != nil || info.IsDir() {
		log.V(1).Info("no filter file, keeping controller filters", "path", cfg.FiltersPath)
		return nil
	}

	log.Info("updating filters", "path", cfg.FiltersPath)
	return unwrap(client.UpdateFilters(ctx, cfg.FiltersPath))
}

// Request describes the enrollment of one client.
type Request struct {
	Role    catalog.Role
	Project string
	// DriverPath is the local driver package file.
	DriverPath    string
	InstallMethod string
}

type Enroller struct {
	client   hckclient.Client
	machines Machines
	clk      clock.Clock
	log      logr.Logger

	pollInterval time.Duration
	settleDelay  time.Duration
}

type Option func(*Enroller)

func WithPollInterval(d time.Duration) Option {
	return func(e *Enroller) { e.pollInterval = d }
}

// WithSettleDelay sets how long a registered client is left alone before
// the driver is installed.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Enroller) { e.settleDelay = d }
}

func NewEnroller(client hckclient.Client, machines Machines, clk clock.Clock, log logr.Logger, opts ...Option) *Enroller {
	e := &Enroller{
		client:       client,
		machines:     machines,
		clk:          clk,
		log:          log,
		pollInterval: DefaultPollInterval,
		settleDelay:  DefaultSettleDelay,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Enroll boots the client of req.Role, installs the driver on it and moves it
// into the project pool. It returns the machine name.
func (e *Enroller) Enroll(ctx context.Context, req Request) (string, error) {
	log := e.log.WithValues("role", req.Role)

	machines, err := e.defaultPoolMachines(ctx)
	if err != nil {
		return "", err
	}
	count := len(machines)

	if err := e.machines.RunMachine(ctx, req.Role); err != nil {
		return "", err
	}

	machine, err := e.waitForNewMachine(ctx, count, log)
	if err != nil {
		return "", err
	}

	if err := poll.Sleep(ctx, e.clk, e.settleDelay); err != nil {
		return "", err
	}

	dir, file := filepath.Split(req.DriverPath)
	dir = filepath.Clean(dir)
	log.Info("installing driver", "machine", machine.Name, "file", file, "method", req.InstallMethod)
	if err := unwrap(e.client.InstallMachineDriverPackage(ctx, machine.Name, req.InstallMethod, dir, file)); err != nil {
		return "", err
	}

	log.Info("deleting machine", "machine", machine.Name, "pool", hckclient.DefaultPool)
	if err := unwrap(e.client.DeleteMachine(ctx, machine.Name, hckclient.DefaultPool)); err != nil {
		return "", err
	}

	log.Info("restarting machine", "machine", machine.Name)
	if err := unwrap(e.client.MachineShutdown(ctx, machine.Name, hckclient.ShutdownRestart)); err != nil {
		return "", err
	}

	machine, err = e.waitForNewMachine(ctx, count, log)
	if err != nil {
		return "", err
	}

	log.Info("moving machine", "machine", machine.Name, "from", hckclient.DefaultPool, "to", req.Project)
	if err := unwrap(e.client.MoveMachine(ctx, machine.Name, hckclient.DefaultPool, req.Project)); err != nil {
		return "", err
	}

	log.Info("setting machine ready", "machine", machine.Name, "pool", req.Project)
	if err := unwrap(e.client.SetMachineState(ctx, machine.Name, req.Project, hckclient.MachineReady)); err != nil {
		return "", err
	}

	return machine.Name, nil
}

func (e *Enroller) defaultPoolMachines(ctx context.Context) ([]hckclient.Machine, error) {
	res, err := e.client.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	pools, err := res.Unwrap()
	if err != nil {
		return nil, err
	}

	pool, ok := hckclient.FindPool(pools, hckclient.DefaultPool)
	if !ok {
		return nil, ErrDefaultPoolNotFound
	}
	return pool.Machines, nil
}

// waitForNewMachine waits until the Default Pool holds more than count
// machines and the newest one finished initializing.
func (e *Enroller) waitForNewMachine(ctx context.Context, count int, log logr.Logger) (hckclient.Machine, error) {
	var machines []hckclient.Machine

	err := poll.Until(ctx, e.clk, e.pollInterval, func(ctx context.Context) (bool, error) {
		var err error
		machines, err = e.defaultPoolMachines(ctx)
		return len(machines) != count, err
	})
	if err != nil {
		return hckclient.Machine{}, err
	}
	log.Info("recognized new client, waiting for initialization")

	err = poll.Until(ctx, e.clk, e.pollInterval, func(ctx context.Context) (bool, error) {
		var err error
		machines, err = e.defaultPoolMachines(ctx)
		if err != nil {
			return false, err
		}
		if len(machines) == 0 {
			return false, ErrMachineVanished
		}
		return machines[len(machines)-1].State != hckclient.MachineInitializing, nil
	})
	if err != nil {
		return hckclient.Machine{}, err
	}

	machine := machines[len(machines)-1]
	log.Info("client initialized", "machine", machine.Name, "state", machine.State)
	return machine, nil
}

func unwrap[T any](res hckclient.Result[T], err error) error {
	if err != nil {
		return err
	}
	_, err = res.Unwrap()
	return err
}
