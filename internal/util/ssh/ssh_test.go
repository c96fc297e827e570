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

//go:build unit

package ssh_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/autohck/internal/util/fakes/sshserverfake"
	"github.com/alexandremahdhaoui/autohck/internal/util/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDial_InvalidConfig(t *testing.T) {
	tempDir := t.TempDir()
	badKey := filepath.Join(tempDir, "id_ed25519")
	require.NoError(t, os.WriteFile(badKey, []byte("not a key"), 0o600))

	tests := []struct {
		name    string
		cfg     ssh.Config
		wantErr error
	}{
		{name: "missing host", cfg: ssh.Config{User: "u", Password: "p"}, wantErr: ssh.ErrHostRequired},
		{name: "missing user", cfg: ssh.Config{Host: "h", Password: "p"}, wantErr: ssh.ErrUserRequired},
		{name: "no auth", cfg: ssh.Config{Host: "h", User: "u"}, wantErr: ssh.ErrNoAuthMethod},
		{
			name:    "unreadable key",
			cfg:     ssh.Config{Host: "h", User: "u", PrivateKeyPath: filepath.Join(tempDir, "missing")},
			wantErr: ssh.ErrReadPrivateKey,
		},
		{
			name:    "invalid key",
			cfg:     ssh.Config{Host: "h", User: "u", PrivateKeyPath: badKey},
			wantErr: ssh.ErrParseKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := ssh.Dial(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, client)
		})
	}
}

func TestConfig_Address(t *testing.T) {
	assert.Equal(t, "studio:22", ssh.Config{Host: "studio"}.Address())
	assert.Equal(t, "studio:2222", ssh.Config{Host: "studio", Port: "2222"}.Address())
}

func dial(t *testing.T, fake *sshserverfake.Fake) *ssh.Client {
	t.Helper()

	host, port := fake.Addr()
	client, err := ssh.Dial(context.Background(), ssh.Config{
		Host:     host,
		Port:     port,
		User:     sshserverfake.User,
		Password: sshserverfake.Password,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	return client
}

func TestClient_Run(t *testing.T) {
	fake := sshserverfake.New(t)
	fake.AppendExpectation(func(cmd string) (string, uint32) {
		return "first\nsecond\n", 0
	})
	fake.AppendExpectation(func(cmd string) (string, uint32) {
		return "", 3
	})

	client := dial(t, fake)

	var lines []string
	_, err := client.Run(context.Background(), "list pools", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, lines)

	_, err = client.Run(context.Background(), "broken", nil)
	assert.ErrorIs(t, err, ssh.ErrRemoteCommand)

	require.NoError(t, client.Close())
	fake.AssertExpectationsAndShutdown()

	assert.Equal(t, []string{"list pools", "broken"}, fake.Commands())
}

func TestClient_UploadDownload(t *testing.T) {
	fake := sshserverfake.New(t)
	client := dial(t, fake)
	defer func() {
		require.NoError(t, client.Close())
		fake.AssertExpectationsAndShutdown()
	}()

	// The fake serves the local filesystem.
	local := t.TempDir()
	remote := filepath.ToSlash(t.TempDir())

	require.NoError(t, os.MkdirAll(filepath.Join(local, "driver", "amd64"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "driver", "netkvm.inf"), []byte("[Version]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "driver", "amd64", "netkvm.sys"), []byte("sys"), 0o644))

	ctx := context.Background()
	require.NoError(t, client.Upload(ctx, filepath.Join(local, "driver"), remote+"/upload/driver"))

	got, err := os.ReadFile(filepath.Join(remote, "upload", "driver", "amd64", "netkvm.sys"))
	require.NoError(t, err)
	assert.Equal(t, "sys", string(got))

	downloaded := filepath.Join(local, "out", "netkvm.inf")
	require.NoError(t, client.Download(ctx, remote+"/upload/driver/netkvm.inf", downloaded))

	got, err = os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.Equal(t, "[Version]", string(got))

	err = client.Download(ctx, remote+"/missing.zip", filepath.Join(local, "missing.zip"))
	assert.ErrorIs(t, err, ssh.ErrTransfer)

	require.NoError(t, client.MkdirAll(remote+"/a/b"))
	assert.DirExists(t, filepath.Join(remote, "a", "b"))
}

func dialReconnecting(t *testing.T, fake *sshserverfake.Fake) *ssh.Reconnecting {
	t.Helper()

	host, port := fake.Addr()
	client, err := ssh.DialReconnecting(context.Background(), ssh.Config{
		Host:     host,
		Port:     port,
		User:     sshserverfake.User,
		Password: sshserverfake.Password,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	return client
}

func TestReconnecting_RunAfterConnectionLoss(t *testing.T) {
	fake := sshserverfake.New(t)
	fake.AppendExpectation(func(string) (string, uint32) { return "Default Pool\n", 0 })
	fake.AppendExpectation(func(string) (string, uint32) { return "Running\n", 0 })
	fake.AppendExpectation(func(string) (string, uint32) { return "Passed\n", 0 })

	client := dialReconnecting(t, fake)

	var lines []string
	onLine := func(line string) { lines = append(lines, line) }

	_, err := client.Run(context.Background(), "listpools", onLine)
	require.NoError(t, err)

	fake.DropConnections()
	_, err = client.Run(context.Background(), "gettestinfo 1", onLine)
	require.NoError(t, err)

	fake.DropConnections()
	_, err = client.Run(context.Background(), "gettestinfo 1", onLine)
	require.NoError(t, err)

	assert.Equal(t, []string{"Default Pool", "Running", "Passed"}, lines)
	assert.Equal(t, 3, fake.Connections())

	require.NoError(t, client.Close())
	fake.AssertExpectationsAndShutdown()

	// every command reached the server exactly once
	assert.Equal(t, []string{"listpools", "gettestinfo 1", "gettestinfo 1"}, fake.Commands())
}

func TestReconnecting_CommandFailureKeepsConnection(t *testing.T) {
	fake := sshserverfake.New(t)
	fake.AppendExpectation(func(string) (string, uint32) { return "", 1 })
	fake.AppendExpectation(func(string) (string, uint32) { return "", 0 })

	client := dialReconnecting(t, fake)

	_, err := client.Run(context.Background(), "queuetest 1", nil)
	assert.ErrorIs(t, err, ssh.ErrRemoteCommand)

	_, err = client.Run(context.Background(), "gettestinfo 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Connections())

	require.NoError(t, client.Close())
	fake.AssertExpectationsAndShutdown()
	assert.Equal(t, []string{"queuetest 1", "gettestinfo 1"}, fake.Commands())
}

func TestReconnecting_TransferAfterConnectionLoss(t *testing.T) {
	fake := sshserverfake.New(t)
	client := dialReconnecting(t, fake)
	defer fake.AssertExpectationsAndShutdown()

	remote := filepath.ToSlash(t.TempDir())
	require.NoError(t, client.MkdirAll(remote+"/first"))

	// the sftp session opened above dies with the connection
	fake.DropConnections()
	require.NoError(t, client.MkdirAll(remote+"/second"))
	assert.DirExists(t, filepath.Join(remote, "second"))

	local := filepath.Join(t.TempDir(), "42.zip")
	require.NoError(t, os.WriteFile(local, []byte("zip"), 0o644))

	fake.DropConnections()
	require.NoError(t, client.Upload(context.Background(), local, remote+"/second/42.zip"))
	assert.FileExists(t, filepath.Join(remote, "second", "42.zip"))

	require.NoError(t, client.Close())
}

func TestReconnecting_Closed(t *testing.T) {
	fake := sshserverfake.New(t)
	client := dialReconnecting(t, fake)

	require.NoError(t, client.Close())
	fake.AssertExpectationsAndShutdown()

	_, err := client.Run(context.Background(), "listpools", nil)
	assert.ErrorIs(t, err, ssh.ErrClosed)
	assert.ErrorIs(t, client.MkdirAll("/tmp"), ssh.ErrClosed)
}

func TestDialReconnecting_Unreachable(t *testing.T) {
	fake := sshserverfake.New(t)
	host, port := fake.Addr()
	fake.AssertExpectationsAndShutdown()

	_, err := ssh.DialReconnecting(context.Background(), ssh.Config{
		Host:     host,
		Port:     port,
		User:     sshserverfake.User,
		Password: sshserverfake.Password,
		Timeout:  time.Second,
	})
	assert.ErrorIs(t, err, ssh.ErrDial)
}
