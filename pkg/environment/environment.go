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

// Package environment launches, watches and stops the virtual machines of a
// certification environment.
//
// Machines are started by the launch script in CI mode, which returns once
// the VM process runs. The controller then resolves the VM process once by
// its name and keeps a handle on it; the watchdog only queries that handle.
package environment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/execcontext"
	"github.com/alexandremahdhaoui/autohck/pkg/poll"
	"github.com/alexandremahdhaoui/autohck/pkg/snapshot"
	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/utils/clock"
	utilexec "k8s.io/utils/exec"
)

const (
	DefaultShutdownGrace   = 60 * time.Second
	DefaultPingInterval    = 2 * time.Second
	DefaultResolveAttempts = 10
	DefaultResolveInterval = time.Second

	defaultScript = "./hck.sh"
)

var (
	ErrLaunchMachine   = errors.New("failed to launch machine")
	ErrProcessNotFound = errors.New("machine process not found after launch")
	ErrNoSnapshots     = errors.New("no snapshot set to boot from")
	ErrTeardown        = errors.New("failed to tear down environment")
)

// Config describes the environment of one device/platform pair.
type Config struct {
	// ScriptDir holds the launch script and the images directory.
	ScriptDir string
	// Script defaults to ./hck.sh, relative to ScriptDir.
	Script      string
	QemuBin     string
	WorldBridge string

	Platform catalog.Platform
	Device   catalog.PassThrough
	// Support provisions the second client.
	Support bool

	ShutdownGrace   time.Duration
	PingInterval    time.Duration
	ResolveAttempts int
	ResolveInterval time.Duration
}

func (c *Config) defaults() {
	if c.Script == "" {
		c.Script = defaultScript
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ResolveAttempts == 0 {
		c.ResolveAttempts = DefaultResolveAttempts
	}
	if c.ResolveInterval == 0 {
		c.ResolveInterval = DefaultResolveInterval
	}
}

// Controller owns the machines of one environment.
type Controller struct {
	cfg Config

	execer  utilexec.Interface
	execCtx execcontext.Context
	clk     clock.Clock
	procs   ProcessTable
	console Console
	pinger  Pinger
	log     logr.Logger

	mu      sync.Mutex
	set     *snapshot.Set
	handles map[catalog.Role]Handle
}

type Option func(*Controller)

func WithExec(execer utilexec.Interface) Option {
	return func(c *Controller) { c.execer = execer }
}

// WithExecContext runs the launch script through execCtx, usually sudo.
func WithExecContext(execCtx execcontext.Context) Option {
	return func(c *Controller) { c.execCtx = execCtx }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

func WithProcessTable(procs ProcessTable) Option {
	return func(c *Controller) { c.procs = procs }
}

func WithConsole(console Console) Option {
	return func(c *Controller) { c.console = console }
}

func WithPinger(pinger Pinger) Option {
	return func(c *Controller) { c.pinger = pinger }
}

func NewController(cfg Config, log logr.Logger, opts ...Option) *Controller {
	cfg.defaults()

	c := &Controller{
		cfg:     cfg,
		execer:  utilexec.New(),
		execCtx: execcontext.New(nil, nil),
		clk:     clock.RealClock{},
		procs:   SystemProcessTable{},
		console: TCPConsole{},
		pinger:  ICMPPinger{},
		log:     log,
		handles: make(map[catalog.Role]Handle),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// UseSnapshots sets the snapshot set machines boot from and forgets every
// tracked process.
func (c *Controller) UseSnapshots(set snapshot.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.set = &set
	c.handles = make(map[catalog.Role]Handle)
}

// Support reports whether the environment has a second client.
func (c *Controller) Support() bool {
	return c.cfg.Support
}

func (c *Controller) launchArgs(set snapshot.Set, role catalog.Role) ([]string, error) {
	p := c.cfg.Platform
	args := []string{
		"ci_mode",
		"-world_bridge", c.cfg.WorldBridge,
		"-qemu_bin", c.cfg.QemuBin,
		"-ctrl_net_device", p.CtrlNetDevice,
		"-world_net_device", p.WorldNetDevice,
		"-file_transfer_device", p.FileTransferDevice,
		"-id", strconv.Itoa(p.ID),
		"-st_image", set.RelativeImage(catalog.Studio),
	}

	if role != catalog.Studio {
		args = append(args, "-device_type", c.cfg.Device.Type)
		if c.cfg.Device.Name != "" {
			args = append(args, "-device_name", c.cfg.Device.Name)
		}
		if c.cfg.Device.Extra != "" {
			args = append(args, "-device_extra", c.cfg.Device.Extra)
		}

		for _, client := range catalog.Clients(c.cfg.Support) {
			res, err := p.Resources(client)
			if err != nil {
				return nil, err
			}
			args = append(args,
				"-"+string(client)+"_image", set.RelativeImage(client),
				"-"+string(client)+"_cpus", strconv.Itoa(res.CPUs),
				"-"+string(client)+"_memory", res.Memory,
			)
		}
	}

	return append(args, string(role)), nil
}

// RunMachine launches the VM of role and tracks its process.
func (c *Controller) RunMachine(ctx context.Context, role catalog.Role) error {
	c.mu.Lock()
	set := c.set
	c.mu.Unlock()
	if set == nil {
		return errors.Join(ErrNoSnapshots, ErrLaunchMachine)
	}

	args, err := c.launchArgs(*set, role)
	if err != nil {
		return errors.Join(err, ErrLaunchMachine)
	}

	execCtx := execcontext.WithDir(c.execCtx, c.cfg.ScriptDir)
	c.log.Info("launching machine", "role", role, "cmd", execcontext.FormatCmd(execCtx, append([]string{c.cfg.Script}, args...)...))

	cmd := execcontext.Command(ctx, c.execer, execCtx, c.cfg.Script, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), fmt.Errorf("%w: %s", ErrLaunchMachine, role))
	}

	h, err := c.resolve(ctx, role)
	if err != nil {
		return errors.Join(err, fmt.Errorf("%w: %s", ErrLaunchMachine, role))
	}

	c.mu.Lock()
	c.handles[role] = h
	c.mu.Unlock()

	c.log.V(1).Info("machine process resolved", "role", role, "pid", h.PID)
	return nil
}

func (c *Controller) resolve(ctx context.Context, role catalog.Role) (Handle, error) {
	name := ProcessName(role, c.cfg.Platform.ID)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ResolveAttempts; attempt++ {
		h, found, err := c.procs.Find(ctx, name)
		if err == nil && found {
			return h, nil
		}
		lastErr = err

		if attempt < c.cfg.ResolveAttempts {
			if err := poll.Sleep(ctx, c.clk, c.cfg.ResolveInterval); err != nil {
				return Handle{}, err
			}
		}
	}

	return Handle{}, errors.Join(lastErr, fmt.Errorf("%w: %s", ErrProcessNotFound, name))
}

// KeepAlive relaunches the machine of role if its process is gone. A failed
// liveness query is logged and does not relaunch.
func (c *Controller) KeepAlive(ctx context.Context, role catalog.Role) error {
	c.mu.Lock()
	h, tracked := c.handles[role]
	c.mu.Unlock()

	if tracked {
		alive, err := c.procs.Alive(ctx, h)
		if err != nil {
			c.log.Error(err, "cannot query machine liveness", "role", role, "pid", h.PID)
			return nil
		}
		if alive {
			return nil
		}
	}

	c.log.Info("machine is not running, relaunching", "role", role)
	return c.RunMachine(ctx, role)
}

// Shutdown asks the guest of role to power off. Failures are logged.
func (c *Controller) Shutdown(ctx context.Context, role catalog.Role) {
	c.monitor(ctx, role, "system_shutdown")
}

// ForceShutdown stops the VM of role. Failures are logged.
func (c *Controller) ForceShutdown(ctx context.Context, role catalog.Role) {
	c.monitor(ctx, role, "quit")
}

func (c *Controller) monitor(ctx context.Context, role catalog.Role, cmd string) {
	port := MonitorPort(c.cfg.Platform.ID, role)
	if err := c.console.Send(ctx, port, cmd); err != nil {
		c.log.V(1).Info("management console command failed", "role", role, "port", port, "cmd", cmd, "err", err.Error())
	}
}

// ShutdownMachine shuts role down gracefully, then forcibly after the grace
// period.
func (c *Controller) ShutdownMachine(ctx context.Context, role catalog.Role) error {
	c.log.Info("shutting down machine", "role", role)

	c.Shutdown(ctx, role)
	if err := poll.Sleep(ctx, c.clk, c.cfg.ShutdownGrace); err != nil {
		return err
	}
	c.ForceShutdown(ctx, role)

	c.mu.Lock()
	delete(c.handles, role)
	c.mu.Unlock()

	return nil
}

// ShutdownAll stops the clients, then the controller, then releases the
// network resources of the environment. It runs to completion even if ctx is
// canceled.
func (c *Controller) ShutdownAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	roles := append(catalog.Clients(c.cfg.Support), catalog.Studio)
	for _, role := range roles {
		if err := c.ShutdownMachine(ctx, role); err != nil {
			errs = append(errs, err)
		}
	}

	args := []string{"ci_mode", "-id", strconv.Itoa(c.cfg.Platform.ID), "-world_bridge", c.cfg.WorldBridge, "end"}
	execCtx := execcontext.WithDir(c.execCtx, c.cfg.ScriptDir)
	c.log.Info("tearing down environment", "cmd", execcontext.FormatCmd(execCtx, append([]string{c.cfg.Script}, args...)...))

	cmd := execcontext.Command(ctx, c.execer, execCtx, c.cfg.Script, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		errs = append(errs, errors.Join(err, fmt.Errorf("output: %s", output), ErrTeardown))
	}

	return utilerrors.NewAggregate(errs)
}

// WaitReachable blocks until address answers a ping.
func (c *Controller) WaitReachable(ctx context.Context, address string) error {
	c.log.Info("waiting for machine to be reachable", "address", address)

	return poll.Until(ctx, c.clk, c.cfg.PingInterval, func(ctx context.Context) (bool, error) {
		up, err := c.pinger.Ping(ctx, address)
		if err != nil {
			c.log.V(1).Info("ping failed", "address", address, "err", err.Error())
			return false, nil
		}
		return up, nil
	})
}
