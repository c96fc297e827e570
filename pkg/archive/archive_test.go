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

package archive

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/autohck/internal/util/fakes/hckclientfake"
	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockUploader struct {
	uploads []string
	err     error
}

func (m *mockUploader) CreateFolder(context.Context, string) error { return nil }

func (m *mockUploader) Upload(_ context.Context, localPath, name string) error {
	m.uploads = append(m.uploads, localPath+" -> "+name)
	return m.err
}

func (m *mockUploader) URL() string { return "" }

var ref = hckclient.TestRef{TargetRef: hckclient.TargetRef{Key: "0100", Project: "p"}, TestID: "42"}

func TestArchiveTest(t *testing.T) {
	tests := []struct {
		name        string
		zip         func(hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error)
		uploadErr   error
		wantUploads []string
	}{
		{
			name: "uploaded with status and name",
			zip: func(hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error) {
				return hckclient.Ok(hckclient.TestResultArchive{Path: "/out/42.zip", Status: "Failed"}), nil
			},
			wantUploads: []string{"/out/42.zip -> (Failed): NDISTest 6.5"},
		},
		{
			name: "remote failure skips upload",
			zip: func(hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error) {
				return hckclient.Err[hckclient.TestResultArchive]("no logs"), nil
			},
		},
		{
			name: "transport failure skips upload",
			zip: func(hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error) {
				return hckclient.Result[hckclient.TestResultArchive]{}, errors.New("connection reset")
			},
		},
		{
			name: "upload failure is swallowed",
			zip: func(hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error) {
				return hckclient.Ok(hckclient.TestResultArchive{Path: "/out/42.zip", Status: "Passed"}), nil
			},
			uploadErr:   errors.New("quota exceeded"),
			wantUploads: []string{"/out/42.zip -> (Passed): NDISTest 6.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := hckclientfake.New()
			fake.ZipTestResultLogsFunc = tt.zip
			uploader := &mockUploader{err: tt.uploadErr}

			New(fake, uploader, logr.Discard()).ArchiveTest(context.Background(), ref, hckclient.Test{ID: "42", Name: "NDISTest 6.5"})

			assert.Equal(t, tt.wantUploads, uploader.uploads)
			assert.Equal(t, []string{"ZipTestResultLogs 42"}, fake.Calls())
		})
	}
}

func TestArchiveTest_NoUploader(t *testing.T) {
	fake := hckclientfake.New()
	fake.ZipTestResultLogsFunc = func(hckclient.TestRef) (hckclient.Result[hckclient.TestResultArchive], error) {
		return hckclient.Ok(hckclient.TestResultArchive{Path: "/out/42.zip"}), nil
	}

	assert.NotPanics(t, func() {
		New(fake, nil, logr.Discard()).ArchiveTest(context.Background(), ref, hckclient.Test{})
	})
}

func TestArchiveProject(t *testing.T) {
	fake := hckclientfake.New()
	fake.CreateProjectPackageFunc = func(_ string, handler hckclient.ProgressHandler) (hckclient.Result[hckclient.ProjectPackage], error) {
		handler([]hckclient.ProgressStep{{Maximum: 10, Current: 3, Message: "collecting logs"}})
		handler([]hckclient.ProgressStep{
			{Maximum: 10, Current: 2, Message: "collecting logs"},
			{Maximum: 20, Current: 15, Message: "compressing"},
		})
		return hckclient.Ok(hckclient.ProjectPackage{Path: "/out/p.hckx"}), nil
	}
	uploader := &mockUploader{}

	var lines []string
	log := funcr.New(func(_, args string) { lines = append(lines, args) }, funcr.Options{Verbosity: 1})

	path, err := New(fake, uploader, log).ArchiveProject(context.Background(), "NetKVM-Win2019x64")
	require.NoError(t, err)

	assert.Equal(t, "/out/p.hckx", path)
	assert.Equal(t, []string{"/out/p.hckx -> NetKVM-Win2019x64"}, uploader.uploads)

	progressLines := 0
	last := ""
	for _, l := range lines {
		if strings.Contains(l, `"progress"`) {
			progressLines++
			last = l
		}
	}
	assert.Equal(t, 2, progressLines)
	assert.Contains(t, last, "compressing [15/20] 75%")
}

func TestArchiveProject_FailureIsReturned(t *testing.T) {
	fake := hckclientfake.New()
	fake.CreateProjectPackageFunc = func(string, hckclient.ProgressHandler) (hckclient.Result[hckclient.ProjectPackage], error) {
		return hckclient.Err[hckclient.ProjectPackage]("disk full"), nil
	}
	uploader := &mockUploader{}

	_, err := New(fake, uploader, logr.Discard()).ArchiveProject(context.Background(), "p")

	assert.ErrorIs(t, err, hckclient.ErrRemoteOperation)
	assert.Empty(t, uploader.uploads)
}
