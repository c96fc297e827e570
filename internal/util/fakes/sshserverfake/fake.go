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

// Package sshserverfake serves an in-process SSH server for tests. Exec
// requests are answered from a list of expectations; the sftp subsystem serves
// the local filesystem.
package sshserverfake

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "hck"
	Password = "secret"
)

// Expectation answers one exec request.
type Expectation = func(cmd string) (stdout string, exitStatus uint32)

type Fake struct {
	t *testing.T

	mu           sync.Mutex
	expectations []Expectation
	counter      int
	commands     []string
	accepted     int

	listener net.Listener
	config   *ssh.ServerConfig
	conns    []net.Conn
	wg       sync.WaitGroup
}

// Addr returns the host and port the fake listens on.
func (f *Fake) Addr() (host, port string) {
	host, port, _ = net.SplitHostPort(f.listener.Addr().String())
	return host, port
}

// Commands returns the exec commands received so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// DropConnections closes every accepted connection, as a restarting server
// would. The fake keeps accepting new ones.
func (f *Fake) DropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.conns = nil
}

// Connections returns how many connections were accepted so far.
func (f *Fake) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *Fake) AppendExpectation(expectation Expectation) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectations = append(f.expectations, expectation)

	return f
}

func (f *Fake) AssertExpectationsAndShutdown() *Fake {
	f.t.Helper()

	require.NoError(f.t, f.listener.Close())
	f.mu.Lock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(f.t, len(f.expectations), f.counter)

	return f
}

func (f *Fake) start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := f.listener.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns = append(f.conns, conn)
			f.accepted++
			f.mu.Unlock()
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				f.serveConn(conn)
			}()
		}
	}()
}

func (f *Fake) serveConn(nConn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nConn, f.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go f.serveSession(ch, requests)
	}
}

func (f *Fake) serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			stdout, status := f.next(payload.Command)
			_, _ = io.WriteString(ch, stdout)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
				f.t.Logf("sftp server: %v", err)
			}
			_ = server.Close()
			return

		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (f *Fake) next(cmd string) (string, uint32) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	if f.counter >= len(f.expectations) {
		f.mu.Unlock()
		f.t.Errorf("unexpected command: %s", cmd)
		return "", 127
	}
	expectation := f.expectations[f.counter]
	f.counter++
	f.mu.Unlock()

	return expectation(cmd)
}

// New starts a fake listening on a random local port. Clients authenticate
// with User and Password.
func New(t *testing.T) *Fake {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fake := &Fake{
		t:            t,
		expectations: make([]Expectation, 0),
		listener:     listener,
		config:       config,
	}

	fake.start()

	return fake
}
