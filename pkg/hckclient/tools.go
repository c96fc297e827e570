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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/autohck/internal/util/ssh"
	"github.com/go-logr/logr"
)

const (
	defaultWorkDir = `C:\autohck`
	defaultShell   = "powershell -NoProfile -NonInteractive -ExecutionPolicy Bypass -File"
)

var ErrScriptRequired = errors.New("automation script path is required")

// ToolsConfig configures a ToolsClient.
type ToolsConfig struct {
	// Script is the path of the automation script on the controller.
	Script string
	// WorkDir is the controller directory driver packages and filters are
	// uploaded to.
	WorkDir string
	// OutputDir is the local directory result archives are downloaded to.
	OutputDir string
}

// ToolsClient implements Client by running the automation script on the
// controller over SSH. The script prints one JSON document per line: progress
// documents {"steps":[...]} and, last, the result envelope.
type ToolsClient struct {
	transport ssh.Transport
	cfg       ToolsConfig
	log       logr.Logger
}

var _ Client = &ToolsClient{}

func NewToolsClient(transport ssh.Transport, cfg ToolsConfig, log logr.Logger) (*ToolsClient, error) {
	if cfg.Script == "" {
		return nil, ErrScriptRequired
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	return &ToolsClient{transport: transport, cfg: cfg, log: log}, nil
}

// Connect dials the controller and returns a client using that connection.
// A lost connection is dialed again by the next call.
func Connect(ctx context.Context, sshCfg ssh.Config, cfg ToolsConfig, log logr.Logger) (*ToolsClient, error) {
	transport, err := ssh.DialReconnecting(ctx, sshCfg)
	if err != nil {
		return nil, err
	}

	client, err := NewToolsClient(transport, cfg, log)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	return client, nil
}

func (c *ToolsClient) command(operation string, args ...string) string {
	parts := []string{defaultShell, quoteArg(c.cfg.Script), operation}
	for _, arg := range args {
		parts = append(parts, quoteArg(arg))
	}
	parts = append(parts, "-json")
	return strings.Join(parts, " ")
}

func call[T any](ctx context.Context, c *ToolsClient, handler ProgressHandler, operation string, args ...string) (Result[T], error) {
	c.log.V(1).Info("calling automation script", "operation", operation, "args", args)

	var last *envelope
	stderr, err := c.transport.Run(ctx, c.command(operation, args...), func(line string) {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			if line != "" {
				c.log.V(2).Info("automation script output", "operation", operation, "line", line)
			}
			return
		}

		var doc struct {
			envelope
			Steps []json.RawMessage `json:"steps"`
		}
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			c.log.V(2).Info("skipping undecodable line", "operation", operation, "line", line)
			return
		}

		if doc.Result != "" {
			env := doc.envelope
			last = &env
			return
		}

		if doc.Steps != nil && handler != nil {
			handler(decodeSteps(doc.Steps))
		}
	})

	if last == nil {
		if err != nil {
			return Result[T]{}, errors.Join(err, fmt.Errorf("%s: %s", operation, strings.TrimSpace(stderr)))
		}
		return Result[T]{}, fmt.Errorf("%w: %s returned no result", ErrMalformedResponse, operation)
	}

	return fromEnvelope[T](operation, *last)
}

// decodeSteps skips entries that are not step objects.
func decodeSteps(raw []json.RawMessage) []ProgressStep {
	steps := make([]ProgressStep, 0, len(raw))
	for _, r := range raw {
		var step ProgressStep
		if err := json.Unmarshal(r, &step); err != nil {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

func (c *ToolsClient) ListPools(ctx context.Context) (Result[[]Pool], error) {
	return call[[]Pool](ctx, c, nil, "listpools")
}

func (c *ToolsClient) CreatePool(ctx context.Context, pool string) (Result[None], error) {
	return call[None](ctx, c, nil, "createpool", pool)
}

func (c *ToolsClient) CreateProject(ctx context.Context, project string) (Result[None], error) {
	return call[None](ctx, c, nil, "createproject", project)
}

func (c *ToolsClient) SetMachineState(ctx context.Context, machine, pool string, state MachineState) (Result[None], error) {
	return call[None](ctx, c, nil, "setmachinestate", machine, pool, strings.ToLower(string(state)))
}

func (c *ToolsClient) MoveMachine(ctx context.Context, machine, from, to string) (Result[None], error) {
	return call[None](ctx, c, nil, "movemachine", machine, from, to)
}

// InstallMachineDriverPackage uploads dir to the controller before asking it
// to install file from there.
func (c *ToolsClient) InstallMachineDriverPackage(ctx context.Context, machine, installMethod, dir, file string) (Result[None], error) {
	remoteDir := winJoin(c.cfg.WorkDir, "drivers", filepath.Base(dir))
	if err := c.upload(ctx, dir, remoteDir); err != nil {
		return Result[None]{}, err
	}

	return call[None](ctx, c, nil, "installmachinedriverpackage", machine, installMethod, remoteDir, file)
}

func (c *ToolsClient) MachineShutdown(ctx context.Context, machine string, action ShutdownAction) (Result[None], error) {
	return call[None](ctx, c, nil, "machineshutdown", machine, string(action))
}

func (c *ToolsClient) DeleteMachine(ctx context.Context, machine, pool string) (Result[None], error) {
	return call[None](ctx, c, nil, "deletemachine", machine, pool)
}

func (c *ToolsClient) ListMachineTargets(ctx context.Context, machine, pool string) (Result[[]Target], error) {
	return call[[]Target](ctx, c, nil, "listmachinetargets", machine, pool)
}

func (c *ToolsClient) CreateProjectTarget(ctx context.Context, target TargetRef) (Result[None], error) {
	return call[None](ctx, c, nil, "createprojecttarget", target.Key, target.Project, target.Machine, target.Pool)
}

func (c *ToolsClient) ListTests(ctx context.Context, target TargetRef, playlist string) (Result[[]Test], error) {
	args := []string{target.Key, target.Project, target.Machine, target.Pool}
	if playlist != "" {
		args = append(args, "-playlist", playlist)
	}
	return call[[]Test](ctx, c, nil, "listtests", args...)
}

func (c *ToolsClient) QueueTest(ctx context.Context, req QueueRequest) (Result[None], error) {
	args := append([]string{req.TestID}, refArgs(req.TargetRef)...)
	if req.SupportMachine != "" {
		args = append(args, "-supportmachine", req.SupportMachine)
	}
	return call[None](ctx, c, nil, "queuetest", args...)
}

func (c *ToolsClient) GetTestInfo(ctx context.Context, test TestRef) (Result[TestInfo], error) {
	args := append([]string{test.TestID}, refArgs(test.TargetRef)...)
	return call[TestInfo](ctx, c, nil, "gettestinfo", args...)
}

func (c *ToolsClient) ApplyProjectFilters(ctx context.Context, project string) (Result[None], error) {
	return call[None](ctx, c, nil, "applyprojectfilters", project)
}

func (c *ToolsClient) UpdateFilters(ctx context.Context, path string) (Result[None], error) {
	remote := winJoin(c.cfg.WorkDir, "filters", filepath.Base(path))
	if err := c.upload(ctx, path, remote); err != nil {
		return Result[None]{}, err
	}

	return call[None](ctx, c, nil, "updatefilters", remote)
}

// ZipTestResultLogs zips the logs of the latest result of a test and
// downloads the archive to the output directory.
func (c *ToolsClient) ZipTestResultLogs(ctx context.Context, test TestRef) (Result[TestResultArchive], error) {
	args := append([]string{"-1", test.TestID}, refArgs(test.TargetRef)...)
	res, err := call[TestResultArchive](ctx, c, nil, "ziptestresultlogs", args...)
	if err != nil || !res.IsOk() {
		return res, err
	}

	archive := res.Content()
	if archive.Path, err = c.download(ctx, archive.Path); err != nil {
		return Result[TestResultArchive]{}, err
	}

	return Ok(archive), nil
}

// CreateProjectPackage builds the project package, reporting progress to
// handler, and downloads it to the output directory.
func (c *ToolsClient) CreateProjectPackage(ctx context.Context, project string, handler ProgressHandler) (Result[ProjectPackage], error) {
	res, err := call[ProjectPackage](ctx, c, handler, "createprojectpackage", project)
	if err != nil || !res.IsOk() {
		return res, err
	}

	pkg := res.Content()
	if pkg.Path, err = c.download(ctx, pkg.Path); err != nil {
		return Result[ProjectPackage]{}, err
	}

	return Ok(pkg), nil
}

func (c *ToolsClient) Close() error {
	return c.transport.Close()
}

func (c *ToolsClient) upload(ctx context.Context, local, remote string) error {
	c.log.V(1).Info("uploading to controller", "local", local, "remote", remote)
	if err := c.transport.MkdirAll(sftpPath(winDir(remote))); err != nil {
		return err
	}
	return c.transport.Upload(ctx, local, sftpPath(remote))
}

// download copies a controller file into the output directory and returns
// the local path.
func (c *ToolsClient) download(ctx context.Context, remote string) (string, error) {
	local := filepath.Join(c.cfg.OutputDir, winBase(remote))
	c.log.V(1).Info("downloading from controller", "remote", remote, "local", local)
	if err := c.transport.Download(ctx, sftpPath(remote), local); err != nil {
		return "", err
	}
	return local, nil
}

func refArgs(ref TargetRef) []string {
	return []string{ref.Key, ref.Project, ref.Machine, ref.Pool}
}

// quoteArg quotes s for the Windows command line.
func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"&|<>^") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func winJoin(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		if e = strings.Trim(e, `\`); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}

func winBase(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func winDir(p string) string {
	if i := strings.LastIndexAny(p, `\/`); i >= 0 {
		return p[:i]
	}
	return "."
}

// sftpPath converts a Windows path (C:\dir\file) to the form the Windows
// OpenSSH sftp subsystem expects (/C:/dir/file).
func sftpPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if len(p) >= 2 && p[1] == ':' {
		return "/" + p
	}
	return p
}
