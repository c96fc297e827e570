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

// Package pipeline runs a whole certification run and retries it from
// scratch when any step fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/alexandremahdhaoui/autohck/internal/metrics"
	"github.com/alexandremahdhaoui/autohck/pkg/archive"
	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/enrollment"
	"github.com/alexandremahdhaoui/autohck/pkg/execution"
	"github.com/alexandremahdhaoui/autohck/pkg/filelock"
	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/alexandremahdhaoui/autohck/pkg/poll"
	"github.com/alexandremahdhaoui/autohck/pkg/scheduler"
	"github.com/alexandremahdhaoui/autohck/pkg/snapshot"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const (
	DefaultMaxAttempts    = 5
	DefaultCoolDown       = 60 * time.Second
	DefaultPostSetupDelay = 60 * time.Second
)

var (
	ErrAttemptsExhausted = errors.New("all attempts failed")
	ErrPanic             = errors.New("attempt panicked")
	ErrProjectPoolEmpty  = errors.New("project pool has no machine")
)

// Snapshots prepares the disks of a run.
type Snapshots interface {
	Renew(ctx context.Context, platform catalog.Platform, tag string, support bool) (snapshot.Set, error)
}

// Environment boots, watches and stops the machines of a run.
type Environment interface {
	UseSnapshots(set snapshot.Set)
	RunMachine(ctx context.Context, role catalog.Role) error
	WaitReachable(ctx context.Context, address string) error
	KeepAlive(ctx context.Context, role catalog.Role) error
	ShutdownAll(ctx context.Context) error
}

type Config struct {
	Device   catalog.Device
	Platform catalog.Platform
	// DriverPath is the local driver package file.
	DriverPath string
	// StudioAddress is where the controller answers once booted.
	StudioAddress string
	// FiltersPath is uploaded to the controller when the file exists.
	FiltersPath string
	// LockPath guards the environment setup against concurrent runs.
	LockPath string

	MaxAttempts    int
	CoolDown       time.Duration
	PostSetupDelay time.Duration
}

func (c *Config) defaults() {
	if c.LockPath == "" {
		c.LockPath = filelock.DefaultPath
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.CoolDown == 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.PostSetupDelay == 0 {
		c.PostSetupDelay = DefaultPostSetupDelay
	}
}

// Env is what a run needs. Uploader and Reporter may be nil.
type Env struct {
	Config Config

	Log     logr.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics

	Snapshots   Snapshots
	Environment Environment
	Connect     enrollment.Connector
	Uploader    archive.Uploader
	Reporter    execution.Reporter
}

// Run executes the run, retrying failed attempts after shutting the
// environment down and cooling down. The error of the last attempt is
// returned once every attempt failed.
func Run(ctx context.Context, env Env) error {
	env.Config.defaults()

	var err error
	for attempt := 1; attempt <= env.Config.MaxAttempts; attempt++ {
		log := env.Log.WithValues("attempt", attempt, "runID", uuid.NewString())
		env.Metrics.AttemptStarted()

		if err = runAttempt(ctx, env, log); err == nil {
			return nil
		}

		log.Error(err, "error during processing")
		if serr := env.Environment.ShutdownAll(ctx); serr != nil {
			log.Error(serr, "shutting down environment failed")
		}

		if ctx.Err() != nil || attempt == env.Config.MaxAttempts {
			break
		}
		log.Info("cooling down before next attempt", "duration", env.Config.CoolDown.String())
		if serr := poll.Sleep(ctx, env.Clock, env.Config.CoolDown); serr != nil {
			break
		}
	}

	return errors.Join(ErrAttemptsExhausted, err)
}

func runAttempt(ctx context.Context, env Env, log logr.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()

	cfg := env.Config
	clk := env.Clock
	tag := catalog.Tag(cfg.Device, cfg.Platform)
	support := cfg.Device.Support

	start := clk.Now()
	set, err := env.Snapshots.Renew(ctx, cfg.Platform, tag, support)
	if err != nil {
		return err
	}
	env.Environment.UseSnapshots(set)
	env.Metrics.ObservePhase(metrics.PhaseSnapshots, clk.Since(start))

	if env.Uploader != nil {
		if err := env.Uploader.CreateFolder(ctx, tag+"-"+set.Timestamp); err != nil {
			log.Error(err, "creating shared folder failed")
		} else {
			log.Info("shared folder created", "url", env.Uploader.URL())
		}
	}

	client, err := setup(ctx, env, tag, log)
	if client != nil {
		defer func() { _ = client.Close() }()
	}
	if err != nil {
		return err
	}

	machine, supportMachine, err := projectMachines(ctx, client, tag, support)
	if err != nil {
		return err
	}
	log.Info("environment ready", "machine", machine, "supportMachine", supportMachine)

	if err := poll.Sleep(ctx, clk, cfg.PostSetupDelay); err != nil {
		return err
	}

	ref, err := addTarget(ctx, client, tag, machine, cfg.Device.Name, log)
	if err != nil {
		return err
	}

	tests, err := scheduler.ListTests(ctx, client, ref, cfg.Platform.Kit, log)
	if err != nil {
		return err
	}
	tests = scheduler.Select(tests, cfg.Device.Playlist, cfg.Device.Blacklist, log)

	archiver := archive.New(client, env.Uploader, log)
	opts := []execution.Option{
		execution.WithWatchdog(env.Environment),
		execution.WithArchiver(archiver),
		execution.WithMetrics(env.Metrics),
	}
	if env.Reporter != nil {
		opts = append(opts, execution.WithReporter(env.Reporter))
	}
	runner := execution.NewRunner(client, execution.Config{
		Target:         ref,
		SupportMachine: supportMachine,
		Clients:        catalog.Clients(support),
	}, clk, log, opts...)

	if _, err := runner.Run(ctx, tests); err != nil {
		return err
	}

	start = clk.Now()
	if _, err := archiver.ArchiveProject(ctx, tag); err != nil {
		return err
	}
	env.Metrics.ObservePhase(metrics.PhasePackage, clk.Since(start))

	log.Info("shutting down")
	if err := env.Environment.ShutdownAll(ctx); err != nil {
		log.Error(err, "shutting down environment failed")
	}

	return nil
}

// setup brings the controller and the clients up while holding the setup
// lock. The returned client is non-nil whenever the controller was reached.
func setup(ctx context.Context, env Env, tag string, log logr.Logger) (hckclient.Client, error) {
	cfg := env.Config
	clk := env.Clock

	var client hckclient.Client
	err := filelock.With(cfg.LockPath, func() error {
		start := clk.Now()

		var err error
		client, err = enrollment.SetupStudio(ctx, env.Environment, env.Connect, enrollment.StudioConfig{
			Address:     cfg.StudioAddress,
			Project:     tag,
			FiltersPath: cfg.FiltersPath,
		}, clk, log)
		if err != nil {
			return err
		}
		env.Metrics.ObservePhase(metrics.PhaseStudio, clk.Since(start))

		enroller := enrollment.NewEnroller(client, env.Environment, clk, log)
		for _, role := range catalog.Clients(cfg.Device.Support) {
			start = clk.Now()
			name, err := enroller.Enroll(ctx, enrollment.Request{
				Role:          role,
				Project:       tag,
				DriverPath:    cfg.DriverPath,
				InstallMethod: cfg.Device.InstallMethod,
			})
			if err != nil {
				return err
			}
			env.Metrics.ObservePhase(metrics.PhaseEnrollment, clk.Since(start))
			log.Info("client enrolled", "role", role, "machine", name)
		}

		return nil
	})

	return client, err
}

// projectMachines returns the machine the tests target and, with support, the
// second machine of the project pool.
func projectMachines(ctx context.Context, client hckclient.Client, pool string, support bool) (string, string, error) {
	res, err := client.ListPools(ctx)
	if err != nil {
		return "", "", err
	}
	pools, err := res.Unwrap()
	if err != nil {
		return "", "", err
	}

	p, ok := hckclient.FindPool(pools, pool)
	if !ok || len(p.Machines) == 0 {
		return "", "", fmt.Errorf("%w: %q", ErrProjectPoolEmpty, pool)
	}

	machine := p.Machines[0].Name
	if !support {
		return machine, "", nil
	}
	return machine, p.Machines[len(p.Machines)-1].Name, nil
}

// addTarget finds the device among the targets of machine and adds it to the
// project.
func addTarget(ctx context.Context, client hckclient.Client, project, machine, device string, log logr.Logger) (hckclient.TargetRef, error) {
	log.Info("listing machine targets", "machine", machine)
	res, err := client.ListMachineTargets(ctx, machine, project)
	if err != nil {
		return hckclient.TargetRef{}, err
	}
	targets, err := res.Unwrap()
	if err != nil {
		return hckclient.TargetRef{}, err
	}

	log.Info("searching for target", "name", device)
	target, err := scheduler.SearchTarget(targets, device)
	if err != nil {
		return hckclient.TargetRef{}, err
	}
	log.Info("target found", "target", target.Name, "key", target.Key)

	ref := hckclient.TargetRef{Key: target.Key, Project: project, Machine: machine, Pool: project}
	log.Info("adding target to project", "target", target.Name, "project", project)
	addRes, err := client.CreateProjectTarget(ctx, ref)
	if err != nil {
		return hckclient.TargetRef{}, err
	}
	if _, err := addRes.Unwrap(); err != nil {
		return hckclient.TargetRef{}, err
	}

	return ref, nil
}
