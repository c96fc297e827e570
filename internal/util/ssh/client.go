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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	maxLineSize      = 1 << 20
	keepAliveRequest = "keepalive@openssh.com"
)

// Client implements Transport over a single SSH connection. The SFTP
// subsystem is opened on first use. The connection is closed when the server
// stops answering keepalives.
type Client struct {
	conn *ssh.Client
	done chan struct{}

	mu   sync.Mutex
	sftp *sftp.Client
}

var _ Transport = &Client{}

// Dial connects to the host described by cfg.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := cfg.Address()
	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("%w to %s", ErrDial, addr))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, errors.Join(err, fmt.Errorf("%w to %s", ErrDial, addr))
	}

	c := &Client{
		conn: ssh.NewClient(sshConn, chans, reqs),
		done: make(chan struct{}),
	}
	go func() {
		_ = c.conn.Wait()
		close(c.done)
	}()
	go c.keepAlive(cfg.keepAliveInterval())

	return c, nil
}

// Alive reports whether the connection is still open.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// ping reports whether the server still answers on the connection.
func (c *Client) ping() bool {
	if !c.Alive() {
		return false
	}
	_, _, err := c.conn.SendRequest(keepAliveRequest, true, nil)
	return err == nil
}

// keepAlive closes the connection when a keepalive gets no answer within
// interval. A half-open connection would otherwise block a command forever.
func (c *Client) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := c.conn.SendRequest(keepAliveRequest, true, nil)
			reply <- err
		}()

		timeout := time.NewTimer(interval)
		select {
		case <-c.done:
			timeout.Stop()
			return
		case err := <-reply:
			timeout.Stop()
			if err == nil {
				continue
			}
			slog.Debug("ssh keepalive failed, closing connection", "err", err.Error())
		case <-timeout.C:
			slog.Debug("ssh keepalive timed out, closing connection")
		}

		runFuncAndLogErr(c.conn.Close)
		return
	}
}

// Run implements Runner.
func (c *Client) Run(ctx context.Context, cmd string, onLine func(line string)) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", errors.Join(err, ErrSession)
	}
	defer runFuncAndLogErr(session.Close)

	stdout, err := session.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("unable to open stdout: %w", err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		return "", errors.Join(err, ErrRemoteCommand)
	}

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	scanErr := scanner.Err()

	if err := session.Wait(); err != nil {
		return stderr.String(), errors.Join(err, ctx.Err(), ErrRemoteCommand)
	}
	if scanErr != nil {
		return stderr.String(), errors.Join(scanErr, ErrRemoteCommand)
	}

	return stderr.String(), nil
}

func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, errors.Join(err, ErrSession, ErrTransfer)
	}
	c.sftp = client
	return client, nil
}

// MkdirAll implements FileTransfer.
func (c *Client) MkdirAll(remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(remotePath); err != nil {
		return errors.Join(err, fmt.Errorf("%w: mkdir %s", ErrTransfer, remotePath))
	}
	return nil
}

// Upload implements FileTransfer.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	root := filepath.Clean(localPath)
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		target := remotePath
		if rel != "." {
			target = path.Join(remotePath, filepath.ToSlash(rel))
		}

		if d.IsDir() {
			if err := client.MkdirAll(target); err != nil {
				return errors.Join(err, fmt.Errorf("%w: mkdir %s", ErrTransfer, target))
			}
			return nil
		}

		return uploadFile(client, p, target)
	})
}

func uploadFile(client *sftp.Client, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return errors.Join(err, ErrTransfer)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return errors.Join(err, fmt.Errorf("%w: mkdir %s", ErrTransfer, dir))
		}
	}

	dst, err := client.Create(remotePath)
	if err != nil {
		return errors.Join(err, fmt.Errorf("%w: create %s", ErrTransfer, remotePath))
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Join(err, fmt.Errorf("%w: write %s", ErrTransfer, remotePath))
	}

	return nil
}

// Download implements FileTransfer.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return errors.Join(err, fmt.Errorf("%w: open %s", ErrTransfer, remotePath))
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Join(err, ErrTransfer)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return errors.Join(err, ErrTransfer)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Join(err, fmt.Errorf("%w: read %s", ErrTransfer, remotePath))
	}

	return ctx.Err()
}

// Close implements Transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.sftp != nil {
		errs = append(errs, ignoreClosed(c.sftp.Close()))
		c.sftp = nil
	}
	if c.conn != nil {
		errs = append(errs, ignoreClosed(c.conn.Close()))
	}
	return errors.Join(errs...)
}

// ignoreClosed drops the error of closing a connection the server already
// closed.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
