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

// Package status publishes the progress of a run as a commit status.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

const DefaultAPIURL = "https://api.github.com"

type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
)

var ErrPublish = errors.New("failed to publish commit status")

// Describe returns the state and description of a run that finished current
// tests out of total, failed of them failing.
func Describe(total, current, failed int) (State, string) {
	if current < total {
		return StatePending, fmt.Sprintf("Running tests (%d/%d) %d failed", current, total, failed)
	}
	if failed == 0 {
		return StateSuccess, fmt.Sprintf("All %d tests passed", total)
	}
	return StateFailure, fmt.Sprintf("%d tests passed out of %d tests", total-failed, total)
}

type Config struct {
	// APIURL defaults to DefaultAPIURL.
	APIURL string
	// Repository is "owner/name".
	Repository string
	// Commit is the SHA the status is attached to. Reporting is disabled
	// without it.
	Commit string
	Token  string
	// Tag names the status context "HCK-CI/<tag>".
	Tag string
}

// Reporter publishes commit statuses. Failures are logged, never returned.
type Reporter struct {
	cfg    Config
	client *http.Client
	log    logr.Logger
	// targetURL returns the link attached to the status.
	targetURL func() string
}

type Option func(*Reporter)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.client = c }
}

// WithTargetURL sets where the status links to. It is evaluated on every
// report.
func WithTargetURL(fn func() string) Option {
	return func(r *Reporter) { r.targetURL = fn }
}

func New(cfg Config, log logr.Logger, opts ...Option) *Reporter {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	r := &Reporter{
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		targetURL: func() string { return "" },
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type request struct {
	State       State  `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

// Report publishes the status of the run.
func (r *Reporter) Report(ctx context.Context, total, current, failed int) {
	if r.cfg.Commit == "" {
		return
	}

	state, description := Describe(total, current, failed)
	if err := r.publish(ctx, state, description); err != nil {
		r.log.Error(err, "updating commit status failed")
		return
	}
	r.log.Info("commit status updated", "state", state, "description", description)
}

func (r *Reporter) publish(ctx context.Context, state State, description string) error {
	body, err := json.Marshal(request{
		State:       state,
		TargetURL:   r.targetURL(),
		Description: description,
		Context:     "HCK-CI/" + r.cfg.Tag,
	})
	if err != nil {
		return errors.Join(err, ErrPublish)
	}

	url := fmt.Sprintf("%s/repos/%s/statuses/%s", strings.TrimSuffix(r.cfg.APIURL, "/"), r.cfg.Repository, r.cfg.Commit)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Join(err, ErrPublish)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Join(err, ErrPublish)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrPublish, http.MethodPost, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return nil
}
