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

// Package vagrant drives the vagrant command-line tool for one project directory.
package vagrant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
)

const (
	vagrantBin = "vagrant"

	// SlashEscape replaces "/" in box names when vagrant stores them on disk.
	SlashEscape = "-VAGRANTSLASH-"
)

var (
	errUp           = errors.New("vagrant up failed")
	errHalt         = errors.New("vagrant halt failed")
	errSuspend      = errors.New("vagrant suspend failed")
	errDestroy      = errors.New("vagrant destroy failed")
	errStatus       = errors.New("vagrant status failed")
	errSSHConfig    = errors.New("vagrant ssh-config failed")
	errBoxAdd       = errors.New("vagrant box add failed")
	errBoxRemove    = errors.New("vagrant box remove failed")
	errBoxList      = errors.New("vagrant box list failed")
	errGlobalStatus = errors.New("vagrant global-status failed")
)

// Client runs vagrant commands inside a project directory.
type Client struct {
	dir     string
	invoker *invoker.Invoker
}

// New returns a Client for the Vagrantfile in dir.
func New(dir string, inv *invoker.Invoker) *Client {
	return &Client{
		dir:     dir,
		invoker: inv,
	}
}

// Up creates and starts the machine with the given provider.
func (c *Client) Up(provider string, provision bool) error {
	args := []string{"up"}
	if provision {
		args = append(args, "--provision")
	} else {
		args = append(args, "--no-provision")
	}
	if provider != "" {
		args = append(args, fmt.Sprintf("--provider=%s", provider))
	}

	if err := c.invoker.Run(c.dir, vagrantBin, args...); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", c.dir), errUp)
	}
	return nil
}

// Halt stops the machine. With force the machine is powered off.
func (c *Client) Halt(force bool) error {
	args := []string{"halt"}
	if force {
		args = append(args, "--force")
	}

	if err := c.invoker.Run(c.dir, vagrantBin, args...); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", c.dir), errHalt)
	}
	return nil
}

func (c *Client) Suspend() error {
	if err := c.invoker.Run(c.dir, vagrantBin, "suspend"); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", c.dir), errSuspend)
	}
	return nil
}

// Destroy removes the machine without asking for confirmation.
func (c *Client) Destroy() error {
	if err := c.invoker.Run(c.dir, vagrantBin, "destroy", "--force"); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", c.dir), errDestroy)
	}
	return nil
}

// Status returns the state of every machine of the project.
func (c *Client) Status() ([]MachineStatus, error) {
	out, err := c.invoker.Output(c.dir, vagrantBin, "status", "--machine-readable")
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("dir=%s", c.dir), errStatus)
	}
	return parseStatus(ParseMachineReadable(out)), nil
}

// SSHConfig returns the raw OpenSSH configuration of the running machine.
func (c *Client) SSHConfig() ([]byte, error) {
	out, err := c.invoker.Output(c.dir, vagrantBin, "ssh-config")
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("dir=%s", c.dir), errSSHConfig)
	}
	return out, nil
}

// BoxAdd registers the box file at path under name.
func (c *Client) BoxAdd(name, path string, force bool) error {
	args := []string{"box", "add", "--name", name}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	if err := c.invoker.Run(c.dir, vagrantBin, args...); err != nil {
		return errors.Join(err, fmt.Errorf("box=%s path=%s", name, path), errBoxAdd)
	}
	return nil
}

// BoxRemove removes every version and provider of the box name.
func (c *Client) BoxRemove(name string) error {
	if err := c.invoker.Run(c.dir, vagrantBin, "box", "remove", "--all", "--force", name); err != nil {
		return errors.Join(err, fmt.Errorf("box=%s", name), errBoxRemove)
	}
	return nil
}

// BoxList returns the boxes known to the local vagrant installation.
func (c *Client) BoxList() ([]Box, error) {
	out, err := c.invoker.Output(c.dir, vagrantBin, "box", "list", "--machine-readable")
	if err != nil {
		return nil, errors.Join(err, errBoxList)
	}
	return parseBoxList(ParseMachineReadable(out)), nil
}

// PruneGlobalStatus drops stale entries from vagrant's global machine index.
func (c *Client) PruneGlobalStatus() error {
	if err := c.invoker.Run(c.dir, vagrantBin, "global-status", "--prune"); err != nil {
		return errors.Join(err, errGlobalStatus)
	}
	return nil
}

// Home returns the vagrant home directory: $VAGRANT_HOME or ~/.vagrant.d.
func Home() string {
	if home := os.Getenv("VAGRANT_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".vagrant.d"
	}
	return filepath.Join(userHome, ".vagrant.d")
}

// BoxDir returns where vagrant stores the box name under home.
func BoxDir(home, name string) string {
	return filepath.Join(home, "boxes", strings.ReplaceAll(name, "/", SlashEscape))
}
