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

package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

var testPlatform = catalog.Platform{Name: "Win2019x64", ID: 1, Kit: "HLK1809"}

// recordingExec returns a FakeExec expecting n successful commands and the
// list their argv and working directories are recorded to.
func recordingExec(n int, fail error) (*testingexec.FakeExec, *[][]string, *[]string) {
	argvs := &[][]string{}
	dirs := &[]string{}
	fexec := &testingexec.FakeExec{}

	for i := 0; i < n; i++ {
		fexec.CommandScript = append(fexec.CommandScript, func(cmd string, args ...string) utilexec.Cmd {
			fcmd := &testingexec.FakeCmd{
				CombinedOutputScript: []testingexec.FakeAction{
					func() ([]byte, []byte, error) { return []byte("Formatting"), nil, fail },
				},
			}
			*argvs = append(*argvs, append([]string{cmd}, args...))
			c := testingexec.InitFakeCmd(fcmd, cmd, args...)
			return &dirRecorder{Cmd: c, dirs: dirs}
		})
	}

	return fexec, argvs, dirs
}

type dirRecorder struct {
	utilexec.Cmd
	dirs *[]string
}

func (d *dirRecorder) SetDir(dir string) {
	*d.dirs = append(*d.dirs, dir)
	d.Cmd.SetDir(dir)
}

func TestRenew(t *testing.T) {
	tests := []struct {
		name      string
		support   bool
		wantRoles []catalog.Role
	}{
		{name: "single client", support: false, wantRoles: []catalog.Role{catalog.Studio, catalog.Client1}},
		{name: "with support client", support: true, wantRoles: []catalog.Role{catalog.Studio, catalog.Client1, catalog.Client2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imagesDir := t.TempDir()
			clk := clocktesting.NewFakeClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
			fexec, argvs, dirs := recordingExec(len(tt.wantRoles), nil)

			m := NewManager(imagesDir, "/usr/bin/qemu-img", logr.Discard(), WithExec(fexec), WithClock(clk))
			set, err := m.Renew(context.Background(), testPlatform, "NetKVM-Win2019x64", tt.support)
			require.NoError(t, err)

			assert.Equal(t, "2024_03_09_14_05_07", set.Timestamp)
			assert.Equal(t, filepath.Join(imagesDir, "NetKVM-Win2019x64", "2024_03_09_14_05_07"), set.Dir)
			assert.Equal(t, tt.wantRoles, set.Roles)
			assert.DirExists(t, set.Dir)
			assert.Equal(t, len(tt.wantRoles), fexec.CommandCalls)

			for i, role := range tt.wantRoles {
				wantBase := "../../" + testPlatform.BaseImage(role) + ".qcow2"
				assert.Equal(t, []string{
					"/usr/bin/qemu-img", "create", "-f", "qcow2", "-b", wantBase, "-F", "qcow2",
					ImageName(role, "NetKVM-Win2019x64"),
				}, (*argvs)[i])
				assert.Equal(t, set.Dir, (*dirs)[i])
			}

			if !tt.support {
				for _, argv := range *argvs {
					assert.NotContains(t, argv, ImageName(catalog.Client2, "NetKVM-Win2019x64"))
				}
			}
		})
	}
}

// Two runs renewing in the same second race for the same directory: exactly
// one of them gets it.
func TestRenew_ConcurrentRunsShareNoDir(t *testing.T) {
	imagesDir := t.TempDir()
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))

	const runs = 8
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		fexec, _, _ := recordingExec(2, nil)
		m := NewManager(imagesDir, "", logr.Discard(), WithExec(fexec), WithClock(clk))

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Renew(context.Background(), testPlatform, "NetKVM-Win2019x64", false)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrRunDirExists)
	}
	assert.Equal(t, 1, succeeded)
}

func TestRenew_RunDirErrors(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))

	tests := []struct {
		name    string
		prepare func(t *testing.T, imagesDir string) string
		wantErr error
	}{
		{
			name: "file in place of the run dir",
			prepare: func(t *testing.T, imagesDir string) string {
				require.NoError(t, os.MkdirAll(filepath.Join(imagesDir, "NetKVM-Win2019x64"), 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(imagesDir, "NetKVM-Win2019x64", "2024_03_09_14_05_07"), nil, 0o644))
				return imagesDir
			},
			wantErr: ErrRunDirExists,
		},
		{
			name: "images dir is a file",
			prepare: func(t *testing.T, imagesDir string) string {
				file := filepath.Join(imagesDir, "images")
				require.NoError(t, os.WriteFile(file, nil, 0o644))
				return file
			},
			wantErr: ErrCreateRunDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imagesDir := tt.prepare(t, t.TempDir())
			fexec, _, _ := recordingExec(2, nil)

			m := NewManager(imagesDir, "", logr.Discard(), WithExec(fexec), WithClock(clk))
			_, err := m.Renew(context.Background(), testPlatform, "NetKVM-Win2019x64", false)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, fexec.CommandCalls)
		})
	}
}

func TestRenew_NeverReusesRunDir(t *testing.T) {
	imagesDir := t.TempDir()
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
	fexec, _, _ := recordingExec(2, nil)

	m := NewManager(imagesDir, "", logr.Discard(), WithExec(fexec), WithClock(clk))
	_, err := m.Renew(context.Background(), testPlatform, "viostor-Win10x86", false)
	require.NoError(t, err)

	_, err = m.Renew(context.Background(), testPlatform, "viostor-Win10x86", false)
	assert.ErrorIs(t, err, ErrRunDirExists)

	clk.Step(time.Second)
	fexec2, _, _ := recordingExec(2, nil)
	m = NewManager(imagesDir, "", logr.Discard(), WithExec(fexec2), WithClock(clk))
	set, err := m.Renew(context.Background(), testPlatform, "viostor-Win10x86", false)
	require.NoError(t, err)
	assert.Equal(t, "2024_03_09_14_05_08", set.Timestamp)

	entries, err := os.ReadDir(filepath.Join(imagesDir, "viostor-Win10x86"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRenew_ImageToolFailure(t *testing.T) {
	fexec, _, _ := recordingExec(1, errors.New("exit status 1"))

	m := NewManager(t.TempDir(), "", logr.Discard(), WithExec(fexec), WithClock(clocktesting.NewFakeClock(time.Now())))
	_, err := m.Renew(context.Background(), testPlatform, "NetKVM-Win2019x64", false)

	assert.ErrorIs(t, err, ErrCreateSnapshot)
	assert.Equal(t, 1, fexec.CommandCalls)
}

func TestSet_RelativeImage(t *testing.T) {
	set := Set{Tag: "NetKVM-Win2019x64", Timestamp: "2024_03_09_14_05_07"}
	assert.Equal(t,
		"images/NetKVM-Win2019x64/2024_03_09_14_05_07/c1-snapshot-NetKVM-Win2019x64.qcow2",
		set.RelativeImage(catalog.Client1))
}
