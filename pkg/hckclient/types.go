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

package hckclient

// DefaultPool is the pool newly registered machines appear in.
const DefaultPool = "Default Pool"

type MachineState string

const (
	MachineInitializing MachineState = "Initializing"
	MachineReady        MachineState = "Ready"
	MachineNotReady     MachineState = "NotReady"
	MachineRunning      MachineState = "Running"
	MachineRestarting   MachineState = "Restarting"
)

// ShutdownAction is what MachineShutdown does to a machine.
type ShutdownAction string

const (
	ShutdownRestart  ShutdownAction = "restart"
	ShutdownPowerOff ShutdownAction = "shutdown"
)

type Machine struct {
	Name  string       `json:"name"`
	State MachineState `json:"state"`
}

type Pool struct {
	Name     string    `json:"name"`
	Machines []Machine `json:"machines"`
}

// FindPool returns the pool named name.
func FindPool(pools []Pool, name string) (Pool, bool) {
	for _, p := range pools {
		if p.Name == name {
			return p, true
		}
	}
	return Pool{}, false
}

type Target struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

const (
	ExecutionInQueue = "InQueue"
	ExecutionRunning = "Running"

	StatusPassed = "Passed"
	StatusFailed = "Failed"
)

type Test struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	EstimatedRuntime string   `json:"estimatedruntime"`
	ScheduleOptions  []string `json:"scheduleoptions"`
	ExecutionState   string   `json:"executionstate"`
	Status           string   `json:"status"`

	// Duration is EstimatedRuntime in seconds. It is computed locally.
	Duration int `json:"-"`
}

type TestInfo struct {
	Status         string `json:"status"`
	ExecutionState string `json:"executionstate"`
}

// Done reports whether the test reached a terminal status.
func (i TestInfo) Done() bool {
	return i.Status == StatusPassed || i.Status == StatusFailed
}

// TargetRef identifies a target inside a project.
type TargetRef struct {
	Key     string
	Project string
	Machine string
	Pool    string
}

// TestRef identifies a test of a target.
type TestRef struct {
	TargetRef
	TestID string
}

type QueueRequest struct {
	TestRef
	// SupportMachine is empty unless the test needs a second machine.
	SupportMachine string
}

type TestResultArchive struct {
	// Path is where the zipped logs were stored locally.
	Path   string `json:"hostlogszippath"`
	Status string `json:"status"`
}

type ProjectPackage struct {
	// Path is where the package was stored locally.
	Path string `json:"hostprojectpackagepath"`
}

// ProgressStep is one step of a long-running remote operation.
type ProgressStep struct {
	Maximum int    `json:"maximum"`
	Current int    `json:"current"`
	Message string `json:"message"`
}

// ProgressHandler receives the steps reported during a long-running remote
// operation, in order.
type ProgressHandler func(steps []ProgressStep)
