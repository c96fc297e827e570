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

// Package snapshot creates the copy-on-write disk images a run boots from.
//
// Every run gets its own directory images/<tag>/<timestamp>/ holding one qcow2
// overlay per machine role, backed by the role's base image two levels up.
// Base images are only ever read.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
	"github.com/alexandremahdhaoui/autohck/pkg/execcontext"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
	utilexec "k8s.io/utils/exec"
)

// TimestampLayout formats the timestamp identifying a run.
const TimestampLayout = "2006_01_02_15_04_05"

var (
	ErrCreateSnapshot = errors.New("failed to create snapshot")
	ErrCreateRunDir   = errors.New("failed to create run directory")
	ErrRunDirExists   = errors.New("run directory already exists")
)

// Set is the snapshot set of one run.
type Set struct {
	Tag       string
	Timestamp string
	// Dir is the absolute run directory.
	Dir string
	// Roles lists the roles a snapshot was created for.
	Roles []catalog.Role
}

// ImageName returns the file name of a role's snapshot.
func ImageName(role catalog.Role, tag string) string {
	return fmt.Sprintf("%s-snapshot-%s.qcow2", role, tag)
}

// RelativeImage returns the path of a role's snapshot relative to the
// directory holding "images/", which is how the launch script expects it.
func (s Set) RelativeImage(role catalog.Role) string {
	return path.Join("images", s.Tag, s.Timestamp, ImageName(role, s.Tag))
}

// Manager creates snapshot sets under an images directory.
type Manager struct {
	imagesDir string
	qemuImg   string
	execer    utilexec.Interface
	execCtx   execcontext.Context
	clk       clock.PassiveClock
	log       logr.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithExec overrides the command executor.
func WithExec(execer utilexec.Interface) Option {
	return func(m *Manager) {
		m.execer = execer
	}
}

// WithClock overrides the clock the run timestamp is taken from.
func WithClock(clk clock.PassiveClock) Option {
	return func(m *Manager) {
		m.clk = clk
	}
}

// WithExecContext runs qemu-img through execCtx (e.g. with sudo).
func WithExecContext(execCtx execcontext.Context) Option {
	return func(m *Manager) {
		m.execCtx = execCtx
	}
}

// NewManager returns a Manager writing under imagesDir with the given
// qemu-img binary.
func NewManager(imagesDir, qemuImg string, log logr.Logger, opts ...Option) *Manager {
	if qemuImg == "" {
		qemuImg = "qemu-img"
	}

	m := &Manager{
		imagesDir: imagesDir,
		qemuImg:   qemuImg,
		execer:    utilexec.New(),
		execCtx:   execcontext.New(nil, nil),
		clk:       clock.RealClock{},
		log:       log,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Create makes target.qcow2 inside runDir, a linked clone of source. source is
// resolved relative to runDir by qemu-img.
func (m *Manager) Create(ctx context.Context, source, target, runDir string) error {
	args := []string{"create", "-f", "qcow2", "-b", source, "-F", "qcow2", target}
	cmd := execcontext.Command(ctx, m.execer, execcontext.WithDir(m.execCtx, runDir), m.qemuImg, args...)

	m.log.V(1).Info("creating snapshot", "source", source, "target", target, "dir", runDir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), ErrCreateSnapshot)
	}

	return nil
}

// Renew creates a fresh snapshot set for a run: controller and client-1
// always, client-2 only with support.
func (m *Manager) Renew(ctx context.Context, platform catalog.Platform, tag string, support bool) (Set, error) {
	set := Set{
		Tag:       tag,
		Timestamp: m.clk.Now().Format(TimestampLayout),
		Roles:     catalog.Roles(support),
	}
	set.Dir = filepath.Join(m.imagesDir, tag, set.Timestamp)

	if err := os.MkdirAll(filepath.Dir(set.Dir), 0o755); err != nil {
		return Set{}, errors.Join(err, ErrCreateRunDir)
	}
	if err := os.Mkdir(set.Dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Set{}, fmt.Errorf("%w: %s", ErrRunDirExists, set.Dir)
		}
		return Set{}, errors.Join(err, ErrCreateRunDir)
	}

	for _, role := range set.Roles {
		source := path.Join("..", "..", platform.BaseImage(role)+".qcow2")
		if err := m.Create(ctx, source, ImageName(role, tag), set.Dir); err != nil {
			return Set{}, fmt.Errorf("snapshot for %s: %w", role, err)
		}
	}

	m.log.Info("snapshots renewed", "tag", tag, "timestamp", set.Timestamp, "roles", set.Roles)
	return set, nil
}
