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
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/autohck/internal/util/ssh"
)

var ErrNoFolder = errors.New("no shared folder created")

type SFTPConfig struct {
	// Root is the directory on the file host the folders are created in.
	Root string
	// PublicURL is where Root is served from.
	PublicURL string
}

// SFTPUploader publishes files to a file host reachable over SFTP.
type SFTPUploader struct {
	transfer ssh.FileTransfer
	cfg      SFTPConfig

	mu     sync.Mutex
	folder string
}

var _ Uploader = &SFTPUploader{}

func NewSFTPUploader(transfer ssh.FileTransfer, cfg SFTPConfig) *SFTPUploader {
	return &SFTPUploader{transfer: transfer, cfg: cfg}
}

func (u *SFTPUploader) CreateFolder(_ context.Context, name string) error {
	if err := u.transfer.MkdirAll(path.Join(u.cfg.Root, name)); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.folder = name

	return nil
}

func (u *SFTPUploader) Upload(ctx context.Context, localPath, name string) error {
	u.mu.Lock()
	folder := u.folder
	u.mu.Unlock()

	if folder == "" {
		return ErrNoFolder
	}

	return u.transfer.Upload(ctx, localPath, path.Join(u.cfg.Root, folder, FileName(localPath, name)))
}

func (u *SFTPUploader) URL() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.folder == "" {
		return ""
	}
	return strings.TrimSuffix(u.cfg.PublicURL, "/") + "/" + url.PathEscape(u.folder)
}

// FileName turns an upload name into a file name keeping the extension of the
// local file.
func FileName(localPath, name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)

	ext := filepath.Ext(localPath)
	if ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}
	return name
}
