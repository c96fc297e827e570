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

package ssh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Reconnecting implements Transport over a connection that is dialed again
// after it was lost. A failed file transfer is retried once on the new
// connection. A command is retried only when its session could not be opened,
// so it is never sent twice.
type Reconnecting struct {
	cfg  Config
	dial func(ctx context.Context, cfg Config) (*Client, error)

	mu     sync.Mutex
	client *Client
	closed bool
}

var _ Transport = &Reconnecting{}

// DialReconnecting connects to the host described by cfg. Later connection
// losses are repaired on the next operation.
func DialReconnecting(ctx context.Context, cfg Config) (*Reconnecting, error) {
	r := &Reconnecting{cfg: cfg, dial: Dial}
	if _, err := r.get(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reconnecting) get(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.client != nil {
		if r.client.Alive() {
			return r.client, nil
		}
		runFuncAndLogErr(r.client.Close)
		r.client = nil
		slog.Debug("ssh connection lost, reconnecting", "addr", r.cfg.Address())
	}

	client, err := r.dial(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// drop forgets client so the next operation dials again.
func (r *Reconnecting) drop(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == client {
		runFuncAndLogErr(client.Close)
		r.client = nil
	}
}

func (r *Reconnecting) do(ctx context.Context, idempotent bool, fn func(*Client) error) error {
	for retried := false; ; retried = true {
		client, err := r.get(ctx)
		if err != nil {
			return err
		}

		err = fn(client)
		if err == nil || !connectionLost(client, err) {
			return err
		}
		r.drop(client)

		if retried || ctx.Err() != nil || !(idempotent || errors.Is(err, ErrSession)) {
			return err
		}
	}
}

func connectionLost(client *Client, err error) bool {
	return errors.Is(err, ErrSession) || !client.ping()
}

// Run implements Runner.
func (r *Reconnecting) Run(ctx context.Context, cmd string, onLine func(line string)) (string, error) {
	var stderr string
	err := r.do(ctx, false, func(c *Client) error {
		var err error
		stderr, err = c.Run(ctx, cmd, onLine)
		return err
	})
	return stderr, err
}

// Upload implements FileTransfer.
func (r *Reconnecting) Upload(ctx context.Context, localPath, remotePath string) error {
	return r.do(ctx, true, func(c *Client) error { return c.Upload(ctx, localPath, remotePath) })
}

// Download implements FileTransfer.
func (r *Reconnecting) Download(ctx context.Context, remotePath, localPath string) error {
	return r.do(ctx, true, func(c *Client) error { return c.Download(ctx, remotePath, localPath) })
}

// MkdirAll implements FileTransfer.
func (r *Reconnecting) MkdirAll(remotePath string) error {
	return r.do(context.Background(), true, func(c *Client) error { return c.MkdirAll(remotePath) })
}

// Close implements Transport. Operations after Close fail with ErrClosed.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
