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

// Package poll implements fixed-interval sleep-and-recheck waiting.
//
// All waiting goes through a clock.Clock so that tests can substitute a fake
// clock: with k8s.io/utils/clock/testing.FakeClock a Sleep advances the fake
// time instead of blocking. The context is checked before and after each
// sleep, never during one.
package poll

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// ConditionFunc reports whether polling is done. A non-nil error stops the
// poll and is returned as is.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Until evaluates cond immediately and then every interval until it reports
// done, returns an error, or ctx is done. There is no timeout.
func Until(ctx context.Context, clk clock.Clock, interval time.Duration, cond ConditionFunc) error {
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := Sleep(ctx, clk, interval); err != nil {
			return err
		}
	}
}

// Sleep waits d on clk.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		clk.Sleep(d)
	}
	return ctx.Err()
}
