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

// Package execution queues the selected tests one after the other and follows
// each of them until the controller reports a final status.
//
// A test goes through these states:
//
//	Queued -> InQueue (polled) -> Running (polled, watchdog) -> Passed | Failed
//
// A Failed test gets one more chance: the project filters are reapplied and
// its status is fetched again.
package execution

import (
	"context"
	"math"
	"time"

	"github.com/alexandremahdhaoui/autohck/internal/metrics"
	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/alexandremahdhaoui/autohck/pkg/poll"
	"github.com/alexandremahdhaoui/autohck/pkg/progress"
	"github.com/alexandremahdhaoui/autohck/pkg/scheduler"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultFilterSettle = 40 * time.Second
	DefaultArchiveDelay = 10 * time.Second
	DefaultRuntimeSlack = 1.5
)

// Watchdog relaunches machines that died while a test runs.
type Watchdog interface {
	KeepAlive(ctx context.Context, role catalog.Role) error
}

// Archiver stores the logs of a finished test.
type Archiver interface {
	ArchiveTest(ctx context.Context, ref hckclient.TestRef, test hckclient.Test)
}

// Reporter publishes the aggregate status after every test.
type Reporter interface {
	Report(ctx context.Context, total, current, failed int)
}

type Config struct {
	// Target is the project target the tests belong to.
	Target hckclient.TargetRef
	// SupportMachine is given to the tests that need a second machine.
	SupportMachine string
	// Clients are kept alive while a test runs.
	Clients []catalog.Role

	PollInterval time.Duration
	FilterSettle time.Duration
	ArchiveDelay time.Duration
	// RuntimeSlack scales the estimated runtime into the progress total.
	RuntimeSlack float64
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FilterSettle == 0 {
		c.FilterSettle = DefaultFilterSettle
	}
	if c.ArchiveDelay == 0 {
		c.ArchiveDelay = DefaultArchiveDelay
	}
	if c.RuntimeSlack == 0 {
		c.RuntimeSlack = DefaultRuntimeSlack
	}
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total  int
	Passed int
	Failed int
}

type Runner struct {
	client hckclient.Client
	cfg    Config
	clk    clock.Clock
	log    logr.Logger

	watchdog Watchdog
	archiver Archiver
	reporter Reporter
	metrics  *metrics.Metrics
}

type Option func(*Runner)

func WithWatchdog(w Watchdog) Option {
	return func(r *Runner) { r.watchdog = w }
}

func WithArchiver(a Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

func WithReporter(rep Reporter) Option {
	return func(r *Runner) { r.reporter = rep }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func NewRunner(client hckclient.Client, cfg Config, clk clock.Clock, log logr.Logger, opts ...Option) *Runner {
	cfg.defaults()

	r := &Runner{
		client: client,
		cfg:    cfg,
		clk:    clk,
		log:    log,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Runner) ref(test hckclient.Test) hckclient.TestRef {
	return hckclient.TestRef{TargetRef: r.cfg.Target, TestID: test.ID}
}

// Run executes tests in order. It stops at the first error.
func (r *Runner) Run(ctx context.Context, tests []hckclient.Test) (Summary, error) {
	sum := Summary{Total: len(tests)}

	for i, test := range tests {
		start := r.clk.Now()
		log := r.log.WithValues("test", test.Name)

		log.Info("starting test", "index", i+1, "total", sum.Total, "estimatedRuntime", test.EstimatedRuntime)
		log.Info("test info page", "url", scheduler.InfoPageURL(test.ID))

		if err := r.Queue(ctx, test); err != nil {
			return sum, err
		}

		info, err := r.Process(ctx, test)
		if err != nil {
			return sum, err
		}

		switch info.Status {
		case hckclient.StatusFailed:
			sum.Failed++
		case hckclient.StatusPassed:
			sum.Passed++
		}

		if r.reporter != nil {
			r.reporter.Report(ctx, sum.Total, i+1, sum.Failed)
		}
		r.metrics.TestFinished(info.Status, i+1, sum.Total, sum.Failed)

		realTime := r.clk.Since(start)

		if err := poll.Sleep(ctx, r.clk, r.cfg.ArchiveDelay); err != nil {
			return sum, err
		}
		if r.archiver != nil {
			r.archiver.ArchiveTest(ctx, r.ref(test), test)
		}

		log.Info("real time test taken", "seconds", int(math.Ceil(realTime.Seconds())))
		r.metrics.ObservePhase(metrics.PhaseTest, realTime)
	}

	r.log.Info("tests ended", "total", sum.Total, "passed", sum.Passed, "failed", sum.Failed)
	return sum, nil
}

// Queue submits test. The support machine is only given to tests that need
// it.
func (r *Runner) Queue(ctx context.Context, test hckclient.Test) error {
	req := hckclient.QueueRequest{TestRef: r.ref(test)}
	if scheduler.NeedsSupport(test) {
		req.SupportMachine = r.cfg.SupportMachine
	}

	r.log.Info("adding test to queue", "test", test.Name, "supportMachine", req.SupportMachine)

	res, err := r.client.QueueTest(ctx, req)
	if err != nil {
		return err
	}
	_, err = res.Unwrap()
	return err
}

// Process follows a queued test until it passed or failed and returns its
// final info.
func (r *Runner) Process(ctx context.Context, test hckclient.Test) (hckclient.TestInfo, error) {
	ref := r.ref(test)
	log := r.log.WithValues("test", test.Name)
	start := r.clk.Now()

	var info hckclient.TestInfo
	err := poll.Until(ctx, r.clk, r.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		var err error
		info, err = r.fetch(ctx, ref, log)
		return info.ExecutionState != hckclient.ExecutionInQueue, err
	})
	if err != nil {
		return hckclient.TestInfo{}, err
	}
	log.Info("test now running", "elapsed", r.clk.Since(start).String())

	tracker := progress.New(int(float64(test.Duration) * r.cfg.RuntimeSlack))
	tracker.SetLabel(test.Name)
	step := int(r.cfg.PollInterval.Seconds())

	for {
		if err := poll.Sleep(ctx, r.clk, r.cfg.PollInterval); err != nil {
			return hckclient.TestInfo{}, err
		}
		tracker.Increment(step)
		log.V(1).Info("test in progress", "progress", tracker.String(), "state", info.ExecutionState)

		if info, err = r.fetch(ctx, ref, log); err != nil {
			return hckclient.TestInfo{}, err
		}

		if err := r.keepAlive(ctx); err != nil {
			return hckclient.TestInfo{}, err
		}

		if info.Done() {
			break
		}
	}

	if info.Status == hckclient.StatusFailed {
		r.applyFilters(ctx, log)

		if err := poll.Sleep(ctx, r.clk, r.cfg.FilterSettle); err != nil {
			return hckclient.TestInfo{}, err
		}
		if info, err = r.fetch(ctx, ref, log); err != nil {
			return hckclient.TestInfo{}, err
		}
	}

	log.Info("test results", "status", info.Status, "elapsed", r.clk.Since(start).String())
	return info, nil
}

// fetch gets the info of a test. Errors reaching the controller are retried
// after the poll interval until the context is done; an answered failure is
// returned.
func (r *Runner) fetch(ctx context.Context, ref hckclient.TestRef, log logr.Logger) (hckclient.TestInfo, error) {
	for {
		res, err := r.client.GetTestInfo(ctx, ref)
		if err == nil {
			return res.Unwrap()
		}

		log.Error(err, "cannot fetch test info, retrying", "in", r.cfg.PollInterval.String())
		if err := poll.Sleep(ctx, r.clk, r.cfg.PollInterval); err != nil {
			return hckclient.TestInfo{}, err
		}
	}
}

func (r *Runner) keepAlive(ctx context.Context) error {
	if r.watchdog == nil {
		return nil
	}
	for _, role := range r.cfg.Clients {
		if err := r.watchdog.KeepAlive(ctx, role); err != nil {
			return err
		}
	}
	return nil
}

// applyFilters reapplies the project filters. Its outcome is only logged: the
// status fetched afterwards is what counts.
func (r *Runner) applyFilters(ctx context.Context, log logr.Logger) {
	log.Info("applying filters to test results", "project", r.cfg.Target.Project)

	res, err := r.client.ApplyProjectFilters(ctx, r.cfg.Target.Project)
	if err == nil {
		_, err = res.Unwrap()
	}
	if err != nil {
		log.Error(err, "applying filters failed")
	}
}
