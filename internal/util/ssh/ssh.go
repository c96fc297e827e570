/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ssh

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrHostRequired   = errors.New("ssh host is required")
	ErrUserRequired   = errors.New("ssh user is required")
	ErrNoAuthMethod   = errors.New("ssh password or private key is required")
	ErrReadPrivateKey = errors.New("unable to read private key")
	ErrParseKey       = errors.New("unable to parse private key")
	ErrDial           = errors.New("unable to connect")
	ErrSession        = errors.New("unable to create SSH session")
	ErrClosed         = errors.New("ssh transport is closed")
	ErrRemoteCommand  = errors.New("remote command failed")
	ErrTransfer       = errors.New("file transfer failed")
)

// Runner executes commands on a remote host.
type Runner interface {
	// Run executes cmd and calls onLine for every line written to stdout.
	// It returns what the command wrote to stderr.
	Run(ctx context.Context, cmd string, onLine func(line string)) (stderr string, err error)
}

// FileTransfer copies files between the local and the remote host.
type FileTransfer interface {
	// Upload copies a local file or directory tree to remotePath.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Download copies a remote file to localPath.
	Download(ctx context.Context, remotePath, localPath string) error
	MkdirAll(remotePath string) error
}

// Transport is a Runner and a FileTransfer over the same connection.
type Transport interface {
	Runner
	FileTransfer
	Close() error
}

// Config holds the connection settings of a remote host.
type Config struct {
	Host           string
	Port           string
	User           string
	Password       string
	PrivateKeyPath string
	Timeout        time.Duration

	// KeepAliveInterval defaults to 30s.
	KeepAliveInterval time.Duration
}

func (c Config) keepAliveInterval() time.Duration {
	if c.KeepAliveInterval <= 0 {
		return 30 * time.Second
	}
	return c.KeepAliveInterval
}

// Address returns host:port, defaulting the port to 22.
func (c Config) Address() string {
	port := c.Port
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(c.Host, port)
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	if c.Host == "" {
		return nil, ErrHostRequired
	}
	if c.User == "" {
		return nil, ErrUserRequired
	}

	var auth []ssh.AuthMethod
	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, errors.Join(err, ErrReadPrivateKey)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Join(err, ErrParseKey)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, ErrNoAuthMethod
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // machines are recreated every run
		Timeout:         timeout,
	}, nil
}
