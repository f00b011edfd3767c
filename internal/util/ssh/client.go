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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"golang.org/x/crypto/ssh"
)

var (
	ErrReadPrivateKey  = errors.New("unable to read private key")
	ErrParsePrivateKey = errors.New("unable to parse private key")
	ErrConnect         = errors.New("unable to connect to ssh server")
	ErrRemoteCommand   = errors.New("remote command failed")
	ErrAwaitTimeout    = errors.New("timed out waiting for ssh server")
)

const dialTimeout = 10 * time.Second

// Client implements the Runner interface for real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", privateKeyPath), ErrReadPrivateKey)
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
		},
		nil
}

// NewClientFromInfo creates a client for the build VM described by info, as
// returned by the controller's SSHInfo.
func NewClientFromInfo(info *sshconfig.Info) (*Client, error) {
	return NewClient(info.Hostname, info.User, info.IdentityFile, strconv.Itoa(info.Port))
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, errors.Join(err, ErrParsePrivateKey)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Build VMs are recreated from the same box and their host keys change on
		// every clean start.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Client) Run(
	ctx execcontext.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	config, err := c.config()
	if err != nil {
		return "", "", err
	}

	addr := c.addr()
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", "", errors.Join(err, fmt.Errorf("addr=%s", addr), ErrConnect)
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", errors.Join(err, fmt.Errorf("addr=%s", addr), ErrConnect)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	formatted := execcontext.FormatCmd(ctx, cmd...)
	slog.Debug("running remote command", "addr", addr, "cmd", formatted)
	if err := session.Run(formatted); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), errors.Join(err, fmt.Errorf("cmd=%s", formatted), ErrRemoteCommand)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// AwaitServer waits for the SSH server to accept a connection. It tries at
// once, then every interval until timeout elapses or ctx is done.
func (c *Client) AwaitServer(ctx context.Context, timeout, interval time.Duration) error {
	config, err := c.config()
	if err != nil {
		return err
	}

	addr := c.addr()
	timeoutChan := time.After(timeout)
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		conn, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("ssh server not ready", "addr", addr, "error", err.Error())

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("addr=%s", addr))
		case <-timeoutChan:
			return errors.Join(err, fmt.Errorf("addr=%s", addr), ErrAwaitTimeout)
		case <-tick.C:
		}
	}
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
