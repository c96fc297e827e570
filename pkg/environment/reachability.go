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
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger checks whether a host answers.
type Pinger interface {
	Ping(ctx context.Context, address string) (bool, error)
}

// ICMPPinger sends a single echo request per Ping.
type ICMPPinger struct {
	Timeout time.Duration
	// Privileged uses raw sockets instead of unprivileged datagram sockets.
	Privileged bool
}

var _ Pinger = ICMPPinger{}

func (p ICMPPinger) Ping(ctx context.Context, address string) (bool, error) {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		return false, fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout == 0 {
		pinger.Timeout = time.Second
	}
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, err
	}

	return pinger.Statistics().PacketsRecv > 0, nil
}
