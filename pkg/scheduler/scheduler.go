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

// Package scheduler decides which tests run and in which order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
)

const infoPageBaseURL = "https://docs.microsoft.com/en-us/windows-hardware/test/hlk/testref/"

var (
	ErrInvalidDuration = errors.New("invalid duration")
	ErrTargetNotFound  = errors.New("target not found")
	ErrReadChangeList  = errors.New("failed to read change list")
)

// ParseDuration converts a colon separated duration ("H:MM:SS", "MM:SS" or
// "SS") to seconds. Runtimes of a day or more carry a day prefix
// ("D.HH:MM:SS"); fractional seconds are dropped.
func ParseDuration(s string) (int, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")

	days := 0
	if len(fields) == 3 {
		if d, h, ok := strings.Cut(fields[0], "."); ok {
			n, err := strconv.Atoi(d)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
			}
			days, fields[0] = n, h
		}
	}
	if last := len(fields) - 1; last > 0 {
		fields[last], _, _ = strings.Cut(fields[last], ".")
	}

	total, unit := days*24*3600, 1
	for i := len(fields) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(fields[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		total += n * unit
		unit *= 60
	}

	return total, nil
}

// PlaylistFor returns the playlist file HLK kits are scoped with, or "".
func PlaylistFor(kit string) string {
	if !strings.HasPrefix(kit, "HLK") {
		return ""
	}
	return fmt.Sprintf("playlists/%s.xml", kit[3:])
}

// SortByDuration sorts tests shortest first, keeping the listing order of
// equal durations.
func SortByDuration(tests []hckclient.Test) {
	sort.SliceStable(tests, func(i, j int) bool {
		return tests[i].Duration < tests[j].Duration
	})
}

// ListTests lists the tests of a target and sorts them by estimated runtime.
// A runtime that does not parse counts as zero.
func ListTests(ctx context.Context, client hckclient.Client, target hckclient.TargetRef, kit string, log logr.Logger) ([]hckclient.Test, error) {
	playlist := PlaylistFor(kit)
	log.Info("listing tests", "target", target.Key, "playlist", playlist)

	res, err := client.ListTests(ctx, target, playlist)
	if err != nil {
		return nil, err
	}
	tests, err := res.Unwrap()
	if err != nil {
		return nil, err
	}
	log.Info("found tests", "count", len(tests))

	for i := range tests {
		d, err := ParseDuration(tests[i].EstimatedRuntime)
		if err != nil {
			log.Error(err, "cannot parse estimated runtime", "test", tests[i].Name)
		}
		tests[i].Duration = d
	}

	SortByDuration(tests)
	return tests, nil
}

// Playlist keeps the tests named in names.
func Playlist(tests []hckclient.Test, names []string) []hckclient.Test {
	allowed := sets.New(names...)
	out := make([]hckclient.Test, 0, len(tests))
	for _, t := range tests {
		if allowed.Has(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Blacklist drops the tests named in names.
func Blacklist(tests []hckclient.Test, names []string) []hckclient.Test {
	denied := sets.New(names...)
	out := make([]hckclient.Test, 0, len(tests))
	for _, t := range tests {
		if !denied.Has(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Select applies the playlist then the blacklist to tests. A nil list is not
// applied.
func Select(tests []hckclient.Test, playlist, blacklist []string, log logr.Logger) []hckclient.Test {
	if playlist != nil {
		tests = Playlist(tests, playlist)
		log.Info("synced with playlist", "tests", len(tests))
	}
	if blacklist != nil {
		tests = Blacklist(tests, blacklist)
		log.Info("synced with blacklist", "tests", len(tests))
	}
	return tests
}

// FilterChangeList reduces changed paths to the unique top level directories
// they live in, ignoring documentation files.
func FilterChangeList(lines []string) []string {
	seen := sets.New[string]()
	out := make([]string, 0)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ".md") || strings.HasSuffix(line, ".txt") {
			continue
		}
		top, _, _ := strings.Cut(line, "/")
		if seen.Has(top) {
			continue
		}
		seen.Insert(top)
		out = append(out, top)
	}

	return out
}

// ReadChangeList reads and filters a change list file, one path per line.
func ReadChangeList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, ErrReadChangeList)
	}
	return FilterChangeList(strings.Split(string(data), "\n")), nil
}

// SearchTarget returns the first target whose name contains name.
func SearchTarget(targets []hckclient.Target, name string) (hckclient.Target, error) {
	for _, t := range targets {
		if strings.Contains(t.Name, name) {
			return t, nil
		}
	}
	return hckclient.Target{}, fmt.Errorf("%w: no target matches %q", ErrTargetNotFound, name)
}

// InfoPageURL returns the documentation page of a test.
func InfoPageURL(testID string) string {
	return infoPageBaseURL + testID
}

// NeedsSupport reports whether a test must be scheduled with the support
// machine.
func NeedsSupport(t hckclient.Test) bool {
	for _, opt := range t.ScheduleOptions {
		if opt == "6" || opt == "RequiresMultipleMachines" {
			return true
		}
	}
	return false
}
