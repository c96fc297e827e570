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

package environment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/shirou/gopsutil/v3/process"
)

var processRoleNames = map[catalog.Role]string{
	catalog.Studio:  "Studio",
	catalog.Client1: "Client1",
	catalog.Client2: "Client2",
}

// ProcessName returns the name the launch script gives the VM process of a
// role, e.g. HCK-Client1_0001.
func ProcessName(role catalog.Role, id int) string {
	return fmt.Sprintf("HCK-%s_%04d", processRoleNames[role], id)
}

// Handle identifies a VM process. CreateTime tells a reused PID apart.
type Handle struct {
	PID        int32
	CreateTime int64
}

// ProcessTable finds VM processes and queries their liveness.
type ProcessTable interface {
	// Find returns the process started with "-name <name>".
	Find(ctx context.Context, name string) (Handle, bool, error)
	// Alive reports whether the process behind h still runs.
	Alive(ctx context.Context, h Handle) (bool, error)
}

// SystemProcessTable implements ProcessTable on the host's process table.
type SystemProcessTable struct{}

var _ ProcessTable = SystemProcessTable{}

func (SystemProcessTable) Find(ctx context.Context, name string) (Handle, bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return Handle{}, false, err
	}

	for _, p := range procs {
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !hasName(cmdline, name) {
			continue
		}

		createTime, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}

		return Handle{PID: p.Pid, CreateTime: createTime}, true, nil
	}

	return Handle{}, false, nil
}

func (SystemProcessTable) Alive(ctx context.Context, h Handle) (bool, error) {
	p, err := process.NewProcessWithContext(ctx, h.PID)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	createTime, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return false, err
	}
	if createTime != h.CreateTime {
		return false, nil
	}

	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false, err
	}

	return !slices.Contains(status, process.Zombie), nil
}

// hasName matches QEMU's "-name <name>[,opts]" and "-name guest=<name>[,opts]".
func hasName(cmdline []string, name string) bool {
	for i := 0; i+1 < len(cmdline); i++ {
		if cmdline[i] != "-name" {
			continue
		}
		value := strings.TrimPrefix(cmdline[i+1], "guest=")
		value, _, _ = strings.Cut(value, ",")
		if value == name {
			return true
		}
	}
	return false
}
