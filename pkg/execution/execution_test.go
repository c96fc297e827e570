//go:build unit

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

package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/autohck/internal/metrics"
	"github.com/alexandremahdhaoui/autohck/internal/util/fakes/hckclientfake"
	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type mockWatchdog struct {
	roles []catalog.Role
	err   error
}

func (m *mockWatchdog) KeepAlive(_ context.Context, role catalog.Role) error {
	m.roles = append(m.roles, role)
	return m.err
}

type mockArchiver struct {
	archived []string
}

func (m *mockArchiver) ArchiveTest(_ context.Context, ref hckclient.TestRef, test hckclient.Test) {
	m.archived = append(m.archived, ref.TestID+" "+test.Name)
}

type report struct{ total, current, failed int }

type mockReporter struct {
	reports []report
}

func (m *mockReporter) Report(_ context.Context, total, current, failed int) {
	m.reports = append(m.reports, report{total, current, failed})
}

type infoStep struct {
	info hckclient.TestInfo
	err  error
	// failure answers with a Failure envelope
	failure string
}

func inQueue() infoStep {
	return infoStep{info: hckclient.TestInfo{ExecutionState: hckclient.ExecutionInQueue}}
}

func running() infoStep {
	return infoStep{info: hckclient.TestInfo{ExecutionState: hckclient.ExecutionRunning}}
}

func status(s string) infoStep {
	return infoStep{info: hckclient.TestInfo{Status: s}}
}

// infoSequence answers GetTestInfo with steps in order, repeating the last one.
func infoSequence(steps ...infoStep) func(hckclient.TestRef) (hckclient.Result[hckclient.TestInfo], error) {
	calls := 0
	return func(hckclient.TestRef) (hckclient.Result[hckclient.TestInfo], error) {
		s := steps[min(calls, len(steps)-1)]
		calls++
		switch {
		case s.err != nil:
			return hckclient.Result[hckclient.TestInfo]{}, s.err
		case s.failure != "":
			return hckclient.Err[hckclient.TestInfo](s.failure), nil
		}
		return hckclient.Ok(s.info), nil
	}
}

var target = hckclient.TargetRef{Key: "0100", Project: "NetKVM-Win2019x64", Machine: "CL1-R", Pool: "NetKVM-Win2019x64"}

func newRunner(fake *hckclientfake.Fake, clk *clocktesting.FakeClock, opts ...Option) *Runner {
	return NewRunner(fake, Config{
		Target:         target,
		SupportMachine: "CL2-R",
		Clients:        []catalog.Role{catalog.Client1, catalog.Client2},
	}, clk, logr.Discard(), opts...)
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name         string
		steps        []infoStep
		wantStatus   string
		wantFetches  int
		wantFilters  int
		wantTicks    int
		wantDuration time.Duration
	}{
		{
			name:         "passed",
			steps:        []infoStep{inQueue(), inQueue(), running(), running(), status(hckclient.StatusPassed)},
			wantStatus:   hckclient.StatusPassed,
			wantFetches:  5,
			wantTicks:    2,
			wantDuration: 4 * DefaultPollInterval,
		},
		{
			name:         "failed then passed after filters",
			steps:        []infoStep{running(), status(hckclient.StatusFailed), status(hckclient.StatusPassed)},
			wantStatus:   hckclient.StatusPassed,
			wantFetches:  3,
			wantFilters:  1,
			wantTicks:    1,
			wantDuration: DefaultPollInterval + DefaultFilterSettle,
		},
		{
			name:         "failed stays failed",
			steps:        []infoStep{running(), status(hckclient.StatusFailed)},
			wantStatus:   hckclient.StatusFailed,
			wantFetches:  3,
			wantFilters:  1,
			wantTicks:    1,
			wantDuration: DefaultPollInterval + DefaultFilterSettle,
		},
		{
			name: "transient errors are retried",
			steps: []infoStep{
				{err: errors.New("connection reset")},
				running(),
				{err: errors.New("connection reset")},
				status(hckclient.StatusPassed),
			},
			wantStatus:   hckclient.StatusPassed,
			wantFetches:  4,
			wantTicks:    1,
			wantDuration: 3 * DefaultPollInterval,
		},
		{
			name: "non terminal statuses keep polling",
			steps: []infoStep{
				running(),
				status("NotRun"),
				status("Canceled"),
				{info: hckclient.TestInfo{Status: "Running", ExecutionState: hckclient.ExecutionRunning}},
				status(hckclient.StatusPassed),
			},
			wantStatus:   hckclient.StatusPassed,
			wantFetches:  5,
			wantTicks:    4,
			wantDuration: 4 * DefaultPollInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := hckclientfake.New()
			fake.GetTestInfoFunc = infoSequence(tt.steps...)
			watchdog := &mockWatchdog{}
			clk := clocktesting.NewFakeClock(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC))
			start := clk.Now()

			r := newRunner(fake, clk, WithWatchdog(watchdog))
			info, err := r.Process(context.Background(), hckclient.Test{ID: "42", Name: "NDISTest 6.5", Duration: 60})
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, info.Status)
			assert.Equal(t, tt.wantFetches, fake.Count("GetTestInfo"))
			assert.Equal(t, tt.wantFilters, fake.Count("ApplyProjectFilters"))
			assert.Len(t, watchdog.roles, 2*tt.wantTicks)
			assert.Equal(t, tt.wantDuration, clk.Since(start))
		})
	}
}

func TestProcess_FailureEnvelopeIsFatal(t *testing.T) {
	fake := hckclientfake.New()
	fake.GetTestInfoFunc = infoSequence(running(), infoStep{failure: "test not found"})

	r := newRunner(fake, clocktesting.NewFakeClock(time.Now()))
	_, err := r.Process(context.Background(), hckclient.Test{ID: "42"})

	assert.ErrorIs(t, err, hckclient.ErrRemoteOperation)
	assert.Equal(t, 2, fake.Count("GetTestInfo"))
}

func TestProcess_WatchdogFailureIsFatal(t *testing.T) {
	boom := errors.New("relaunch failed")
	fake := hckclientfake.New()
	fake.GetTestInfoFunc = infoSequence(running())
	watchdog := &mockWatchdog{err: boom}

	r := newRunner(fake, clocktesting.NewFakeClock(time.Now()), WithWatchdog(watchdog))
	_, err := r.Process(context.Background(), hckclient.Test{ID: "42"})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []catalog.Role{catalog.Client1}, watchdog.roles)
}

func TestProcess_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const polls = 50
	fake := hckclientfake.New()
	fetched := 0
	fake.GetTestInfoFunc = func(hckclient.TestRef) (hckclient.Result[hckclient.TestInfo], error) {
		if fetched++; fetched == polls {
			cancel()
		}
		return hckclient.Ok(hckclient.TestInfo{ExecutionState: hckclient.ExecutionRunning}), nil
	}

	r := newRunner(fake, clocktesting.NewFakeClock(time.Now()))
	_, err := r.Process(ctx, hckclient.Test{ID: "42"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, polls, fetched)
}

func TestQueue(t *testing.T) {
	tests := []struct {
		name        string
		options     []string
		wantSupport string
	}{
		{name: "single machine", options: nil, wantSupport: ""},
		{name: "other options", options: []string{"1", "5"}, wantSupport: ""},
		{name: "multiple machines by id", options: []string{"1", "6"}, wantSupport: "CL2-R"},
		{name: "multiple machines by name", options: []string{"RequiresMultipleMachines"}, wantSupport: "CL2-R"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := hckclientfake.New()
			var got hckclient.QueueRequest
			fake.QueueTestFunc = func(req hckclient.QueueRequest) (hckclient.Result[hckclient.None], error) {
				got = req
				return hckclient.Ok(hckclient.None{}), nil
			}

			r := newRunner(fake, clocktesting.NewFakeClock(time.Now()))
			require.NoError(t, r.Queue(context.Background(), hckclient.Test{ID: "42", ScheduleOptions: tt.options}))

			assert.Equal(t, tt.wantSupport, got.SupportMachine)
			assert.Equal(t, hckclient.TestRef{TargetRef: target, TestID: "42"}, got.TestRef)
		})
	}
}

func TestQueue_Failure(t *testing.T) {
	fake := hckclientfake.New()
	fake.QueueTestFunc = func(hckclient.QueueRequest) (hckclient.Result[hckclient.None], error) {
		return hckclient.Err[hckclient.None]("machine not ready"), nil
	}

	r := newRunner(fake, clocktesting.NewFakeClock(time.Now()))
	err := r.Queue(context.Background(), hckclient.Test{ID: "42"})

	assert.ErrorIs(t, err, hckclient.ErrRemoteOperation)
}

func TestRun(t *testing.T) {
	fake := hckclientfake.New()
	fake.GetTestInfoFunc = func(ref hckclient.TestRef) (hckclient.Result[hckclient.TestInfo], error) {
		if ref.TestID == "2" {
			return hckclient.Ok(hckclient.TestInfo{Status: hckclient.StatusFailed}), nil
		}
		return hckclient.Ok(hckclient.TestInfo{Status: hckclient.StatusPassed}), nil
	}
	archiver := &mockArchiver{}
	reporter := &mockReporter{}
	m := metrics.New(prometheus.NewRegistry())
	clk := clocktesting.NewFakeClock(time.Now())
	start := clk.Now()

	r := newRunner(fake, clk, WithArchiver(archiver), WithReporter(reporter), WithMetrics(m))
	sum, err := r.Run(context.Background(), []hckclient.Test{
		{ID: "1", Name: "PNP Rebalance"},
		{ID: "2", Name: "NDISTest 6.5"},
		{ID: "3", Name: "Static Tools Logo"},
	})
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 3, Passed: 2, Failed: 1}, sum)
	assert.Equal(t, []report{{3, 1, 0}, {3, 2, 1}, {3, 3, 1}}, reporter.reports)
	assert.Equal(t, []string{"1 PNP Rebalance", "2 NDISTest 6.5", "3 Static Tools Logo"}, archiver.archived)
	assert.Equal(t, 1, fake.Count("ApplyProjectFilters"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TestResults.WithLabelValues(hckclient.StatusPassed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TestsFailed))

	// each test: one running tick and the archive delay, plus the filter settle once
	assert.Equal(t, 3*(DefaultPollInterval+DefaultArchiveDelay)+DefaultFilterSettle, clk.Since(start))
}

func TestRun_StopsAtFirstError(t *testing.T) {
	fake := hckclientfake.New()
	fake.QueueTestFunc = func(req hckclient.QueueRequest) (hckclient.Result[hckclient.None], error) {
		if req.TestID == "2" {
			return hckclient.Err[hckclient.None]("queue full"), nil
		}
		return hckclient.Ok(hckclient.None{}), nil
	}
	fake.GetTestInfoFunc = infoSequence(status(hckclient.StatusPassed))
	archiver := &mockArchiver{}

	r := newRunner(fake, clocktesting.NewFakeClock(time.Now()), WithArchiver(archiver))
	sum, err := r.Run(context.Background(), []hckclient.Test{{ID: "1"}, {ID: "2"}, {ID: "3"}})

	assert.ErrorIs(t, err, hckclient.ErrRemoteOperation)
	assert.Equal(t, 1, sum.Passed)
	assert.Len(t, archiver.archived, 1)
	assert.Equal(t, 2, fake.Count("QueueTest"))
}
