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

// Package hckclientfake provides a hckclient.Client whose behavior is set per
// method. Unset methods succeed with an empty content. Every call is recorded.
package hckclientfake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
)

type Fake struct {
	ListPoolsFunc                   func() (hckclient.Result[[]hckclient.Pool], error)
	CreatePoolFunc                  func(pool string) (hckclient.Result[hckclient.None], error)
	CreateProjectFunc               func(project string) (hckclient.Result[hckclient.None], error)
	SetMachineStateFunc             func(machine, pool string, state hckclient.MachineState) (hckclient.Result[hckclient.None], error)
	MoveMachineFunc                 func(machine, from, to string) (hckclient.Result[hckclient.None], error)
	InstallMachineDriverPackageFunc func(machine, installMethod, dir, file string) (hckclient.Result[hckclient.None], error)
	MachineShutdownFunc             func(machine string, action hckclient.ShutdownAction) (hckclient.Result[hckclient.None], error)
	DeleteMachineFunc               func(machine, pool string) (hckclient.Result[hckclient.None], error)
	ListMachineTargetsFunc          func(machine, pool string) (hckclient.Result[[]hckclient.Target], error)
	CreateProjectTargetFunc         func(target hckclient.TargetRef) (hckclient.Result[hckclient.None], error)
	ListTestsFunc                   func(target hckclient.TargetRef, playlist string) (hckclient.Result[[]hckclient.Test], error)
	QueueTestFunc                   func(req hckclient.QueueRequest) (hckclient.Result[hckclient.None], error)
	GetTestInfoFunc                 func(test hckclient.TestRef) (hckclient.Result[hckclient.TestInfo], error)
	ApplyProjectFiltersFunc         func(project string) (hckclient.Result[hckclient.None], error)
	UpdateFiltersFunc               func(path string) (hckclient.Result[hckclient.None], error)
	ZipTestResultLogsFunc           func(test hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error)
	CreateProjectPackageFunc        func(project string, handler hckclient.ProgressHandler) (hckclient.Result[hckclient.ProjectPackage], error)

	mu    sync.Mutex
	calls []string
}

var _ hckclient.Client = &Fake{}

func New() *Fake {
	return &Fake{}
}

// Calls returns the recorded calls formatted as "Method arg1 arg2...".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == method || strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

func (f *Fake) record(method string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := method
	for _, a := range args {
		call += fmt.Sprintf(" %v", a)
	}
	f.calls = append(f.calls, call)
}

func ok[T any]() (hckclient.Result[T], error) {
	var zero T
	return hckclient.Ok(zero), nil
}

func (f *Fake) ListPools(_ context.Context) (hckclient.Result[[]hckclient.Pool], error) {
	f.record("ListPools")
	if f.ListPoolsFunc == nil {
		return ok[[]hckclient.Pool]()
	}
	return f.ListPoolsFunc()
}

func (f *Fake) CreatePool(_ context.Context, pool string) (hckclient.Result[hckclient.None], error) {
	f.record("CreatePool", pool)
	if f.CreatePoolFunc == nil {
		return ok[hckclient.None]()
	}
	return f.CreatePoolFunc(pool)
}

func (f *Fake) CreateProject(_ context.Context, project string) (hckclient.Result[hckclient.None], error) {
	f.record("CreateProject", project)
	if f.CreateProjectFunc == nil {
		return ok[hckclient.None]()
	}
	return f.CreateProjectFunc(project)
}

func (f *Fake) SetMachineState(_ context.Context, machine, pool string, state hckclient.MachineState) (hckclient.Result[hckclient.None], error) {
	f.record("SetMachineState", machine, pool, state)
	if f.SetMachineStateFunc == nil {
		return ok[hckclient.None]()
	}
	return f.SetMachineStateFunc(machine, pool, state)
}

func (f *Fake) MoveMachine(_ context.Context, machine, from, to string) (hckclient.Result[hckclient.None], error) {
	f.record("MoveMachine", machine, from, to)
	if f.MoveMachineFunc == nil {
		return ok[hckclient.None]()
	}
	return f.MoveMachineFunc(machine, from, to)
}

func (f *Fake) InstallMachineDriverPackage(_ context.Context, machine, installMethod, dir, file string) (hckclient.Result[hckclient.None], error) {
	f.record("InstallMachineDriverPackage", machine, installMethod, dir, file)
	if f.InstallMachineDriverPackageFunc == nil {
		return ok[hckclient.None]()
	}
	return f.InstallMachineDriverPackageFunc(machine, installMethod, dir, file)
}

func (f *Fake) MachineShutdown(_ context.Context, machine string, action hckclient.ShutdownAction) (hckclient.Result[hckclient.None], error) {
	f.record("MachineShutdown", machine, action)
	if f.MachineShutdownFunc == nil {
		return ok[hckclient.None]()
	}
	return f.MachineShutdownFunc(machine, action)
}

func (f *Fake) DeleteMachine(_ context.Context, machine, pool string) (hckclient.Result[hckclient.None], error) {
	f.record("DeleteMachine", machine, pool)
	if f.DeleteMachineFunc == nil {
		return ok[hckclient.None]()
	}
	return f.DeleteMachineFunc(machine, pool)
}

func (f *Fake) ListMachineTargets(_ context.Context, machine, pool string) (hckclient.Result[[]hckclient.Target], error) {
	f.record("ListMachineTargets", machine, pool)
	if f.ListMachineTargetsFunc == nil {
		return ok[[]hckclient.Target]()
	}
	return f.ListMachineTargetsFunc(machine, pool)
}

func (f *Fake) CreateProjectTarget(_ context.Context, target hckclient.TargetRef) (hckclient.Result[hckclient.None], error) {
	f.record("CreateProjectTarget", target.Key, target.Project, target.Machine, target.Pool)
	if f.CreateProjectTargetFunc == nil {
		return ok[hckclient.None]()
	}
	return f.CreateProjectTargetFunc(target)
}

func (f *Fake) ListTests(_ context.Context, target hckclient.TargetRef, playlist string) (hckclient.Result[[]hckclient.Test], error) {
	f.record("ListTests", target.Key, playlist)
	if f.ListTestsFunc == nil {
		return ok[[]hckclient.Test]()
	}
	return f.ListTestsFunc(target, playlist)
}

func (f *Fake) QueueTest(_ context.Context, req hckclient.QueueRequest) (hckclient.Result[hckclient.None], error) {
	f.record("QueueTest", req.TestID, req.SupportMachine)
	if f.QueueTestFunc == nil {
		return ok[hckclient.None]()
	}
	return f.QueueTestFunc(req)
}

func (f *Fake) GetTestInfo(_ context.Context, test hckclient.TestRef) (hckclient.Result[hckclient.TestInfo], error) {
	f.record("GetTestInfo", test.TestID)
	if f.GetTestInfoFunc == nil {
		return ok[hckclient.TestInfo]()
	}
	return f.GetTestInfoFunc(test)
}

func (f *Fake) ApplyProjectFilters(_ context.Context, project string) (hckclient.Result[hckclient.None], error) {
	f.record("ApplyProjectFilters", project)
	if f.ApplyProjectFiltersFunc == nil {
		return ok[hckclient.None]()
	}
	return f.ApplyProjectFiltersFunc(project)
}

func (f *Fake) UpdateFilters(_ context.Context, path string) (hckclient.Result[hckclient.None], error) {
	f.record("UpdateFilters", path)
	if f.UpdateFiltersFunc == nil {
		return ok[hckclient.None]()
	}
	return f.UpdateFiltersFunc(path)
}

func (f *Fake) ZipTestResultLogs(_ context.Context, test hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error) {
	f.record("ZipTestResultLogs", test.TestID)
	if f.ZipTestResultLogsFunc == nil {
		return ok[hckclient.TestResultArchive]()
	}
	return f.ZipTestResultLogsFunc(test)
}

func (f *Fake) CreateProjectPackage(_ context.Context, project string, handler hckclient.ProgressHandler) (hckclient.Result[hckclient.ProjectPackage], error) {
	f.record("CreateProjectPackage", project)
	if f.CreateProjectPackageFunc == nil {
		return ok[hckclient.ProjectPackage]()
	}
	return f.CreateProjectPackageFunc(project, handler)
}

func (f *Fake) Close() error {
	f.record("Close")
	return nil
}
