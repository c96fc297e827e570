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

// Package progress tracks the progress of long operations for log lines.
package progress

import (
	"fmt"
	"sync"
)

// Tracker is a progress counter whose total and position never decrease.
type Tracker struct {
	mu       sync.Mutex
	total    int
	position int
	label    string
}

func New(total int) *Tracker {
	return &Tracker{total: max(total, 0)}
}

// GrowTotal raises the total to n. A smaller n is ignored.
func (t *Tracker) GrowTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = max(t.total, n)
}

// Advance moves the position to n. A smaller n is ignored.
func (t *Tracker) Advance(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = max(t.position, n)
}

// Increment moves the position by n, stopping at the total.
func (t *Tracker) Increment(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = max(t.position, min(t.position+n, t.total))
}

func (t *Tracker) SetLabel(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.label = label
}

// Finished reports whether the position reached the total.
func (t *Tracker) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position >= t.total
}

func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

func (t *Tracker) Position() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *Tracker) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.label
}

// Percent returns the completion in percent, 100 for an empty total.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total == 0 {
		return 100
	}
	return min(t.position*100/t.total, 100)
}

// String renders "label [position/total] percent%".
func (t *Tracker) String() string {
	percent := t.Percent()

	t.mu.Lock()
	defer t.mu.Unlock()
	s := fmt.Sprintf("[%d/%d] %d%%", t.position, t.total, percent)
	if t.label != "" {
		s = t.label + " " + s
	}
	return s
}
