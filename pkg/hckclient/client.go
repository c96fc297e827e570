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

// Package hckclient drives the certification kit running on the controller
// machine: pools, machines, targets, tests and result packages.
//
// Every operation returns two things. The Result is the answer of the
// controller, an Err result meaning the controller refused or failed the
// operation. The error reports that the controller could not be reached or
// answered garbage; such errors may be transient.
package hckclient

import "context"

type Client interface {
	ListPools(ctx context.Context) (Result[[]Pool], error)
	CreatePool(ctx context.Context, pool string) (Result[None], error)
	CreateProject(ctx context.Context, project string) (Result[None], error)

	SetMachineState(ctx context.Context, machine, pool string, state MachineState) (Result[None], error)
	MoveMachine(ctx context.Context, machine, from, to string) (Result[None], error)
	// InstallMachineDriverPackage installs the driver package file found in
	// the local directory dir.
	InstallMachineDriverPackage(ctx context.Context, machine, installMethod, dir, file string) (Result[None], error)
	MachineShutdown(ctx context.Context, machine string, action ShutdownAction) (Result[None], error)
	DeleteMachine(ctx context.Context, machine, pool string) (Result[None], error)

	ListMachineTargets(ctx context.Context, machine, pool string) (Result[[]Target], error)
	CreateProjectTarget(ctx context.Context, target TargetRef) (Result[None], error)

	// ListTests lists the tests of a target. playlist is empty or the path of
	// a playlist file on the controller.
	ListTests(ctx context.Context, target TargetRef, playlist string) (Result[[]Test], error)
	QueueTest(ctx context.Context, req QueueRequest) (Result[None], error)
	GetTestInfo(ctx context.Context, test TestRef) (Result[TestInfo], error)

	ApplyProjectFilters(ctx context.Context, project string) (Result[None], error)
	// UpdateFilters replaces the controller's result filters with the local
	// filter file.
	UpdateFilters(ctx context.Context, path string) (Result[None], error)

	ZipTestResultLogs(ctx context.Context, test TestRef) (Result[TestResultArchive], error)
	CreateProjectPackage(ctx context.Context, project string, handler ProgressHandler) (Result[ProjectPackage], error)

	Close() error
}
