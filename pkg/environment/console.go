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

package environment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/autohck/pkg/catalog"
)

const (
	monitorBasePort = 10000
	monitorPrompt   = "(qemu)"
)

var monitorOffsets = map[catalog.Role]int{
	catalog.Studio:  2,
	catalog.Client1: 1,
	catalog.Client2: 0,
}

var ErrConsole = errors.New("management console command failed")

// MonitorPort returns the TCP port of a machine's management console.
func MonitorPort(id int, role catalog.Role) int {
	return id*3 + monitorBasePort - monitorOffsets[role]
}

// Console sends line commands to a machine's management console.
type Console interface {
	Send(ctx context.Context, port int, cmd string) error
}

// TCPConsole talks to QEMU monitors exposed on localhost.
type TCPConsole struct {
	Host    string
	Timeout time.Duration
}

var _ Console = TCPConsole{}

// Send waits for the monitor prompt, writes cmd and waits for the next prompt
// or for the monitor to close the connection.
func (c TCPConsole) Send(ctx context.Context, port int, cmd string) error {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Join(err, ErrConsole)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Join(err, ErrConsole)
	}

	r := bufio.NewReader(conn)
	if err := readUntilPrompt(r); err != nil {
		return errors.Join(err, fmt.Errorf("%w: waiting for prompt", ErrConsole))
	}

	if _, err := io.WriteString(conn, cmd+"\n"); err != nil {
		return errors.Join(err, ErrConsole)
	}

	if err := readUntilPrompt(r); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(err, fmt.Errorf("%w: %s", ErrConsole, cmd))
	}

	return nil
}

func readUntilPrompt(r *bufio.Reader) error {
	var buf strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		buf.WriteByte(b)
		if strings.HasSuffix(buf.String(), monitorPrompt) {
			return nil
		}
	}
}
