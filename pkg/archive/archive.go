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

// Package archive collects test logs and the project package from the
// controller and publishes them to the file host.
package archive

import (
	"context"
	"fmt"

	"github.com/alexandremahdhaoui/autohck/pkg/hckclient"
	"github.com/alexandremahdhaoui/autohck/pkg/progress"
	"github.com/go-logr/logr"
)

// Uploader publishes files into a shared folder.
type Uploader interface {
	// CreateFolder creates the folder the next uploads go to.
	CreateFolder(ctx context.Context, name string) error
	// Upload publishes the local file under name.
	Upload(ctx context.Context, localPath, name string) error
	// URL is the public address of the current folder.
	URL() string
}

type Archiver struct {
	client   hckclient.Client
	uploader Uploader
	log      logr.Logger
}

// New returns an Archiver. A nil uploader keeps the archives on the local
// host only.
func New(client hckclient.Client, uploader Uploader, log logr.Logger) *Archiver {
	return &Archiver{
		client:   client,
		uploader: uploader,
		log:      log,
	}
}

// ArchiveTest zips the logs of a finished test and uploads them as
// "(<status>): <test name>". Failures are logged.
func (a *Archiver) ArchiveTest(ctx context.Context, ref hckclient.TestRef, test hckclient.Test) {
	log := a.log.WithValues("test", test.Name)

	res, err := a.client.ZipTestResultLogs(ctx, ref)
	if err != nil {
		log.Error(err, "archiving results failed")
		return
	}
	zip, err := res.Unwrap()
	if err != nil {
		log.Info("archiving results failed", "reason", res.Message())
		return
	}

	log.Info("archiving results succeeded", "path", zip.Path)
	a.upload(ctx, zip.Path, fmt.Sprintf("(%s): %s", zip.Status, test.Name))
}

// ArchiveProject creates the package of the whole project, uploads it under
// the project name and returns its local path.
func (a *Archiver) ArchiveProject(ctx context.Context, project string) (string, error) {
	tracker := progress.New(0)
	handler := func(steps []hckclient.ProgressStep) {
		for _, step := range steps {
			tracker.GrowTotal(step.Maximum)
			tracker.Advance(step.Current)
			tracker.SetLabel(step.Message)
		}
		a.log.V(1).Info("creating project package", "progress", tracker.String())
	}

	a.log.Info("creating project package", "project", project)
	res, err := a.client.CreateProjectPackage(ctx, project, handler)
	if err != nil {
		return "", err
	}
	pkg, err := res.Unwrap()
	if err != nil {
		return "", err
	}

	a.upload(ctx, pkg.Path, project)
	a.log.Info("results package successfully created", "path", pkg.Path)

	return pkg.Path, nil
}

func (a *Archiver) upload(ctx context.Context, path, name string) {
	if a.uploader == nil {
		return
	}
	if err := a.uploader.Upload(ctx, path, name); err != nil {
		a.log.Error(err, "uploading to shared folder failed", "name", name)
		return
	}
	a.log.Info("file uploaded to shared folder", "name", name)
}
