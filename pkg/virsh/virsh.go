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

// Package virsh wraps the virsh commands that have no equivalent in the
// libvirt API bindings, such as undefining a domain together with its storage.
package virsh

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
)

const virshBin = "virsh"

var (
	ErrVirshCommand     = errors.New("virsh command failed")
	errDestroy          = errors.New("failed to destroy domain")
	errUndefine         = errors.New("failed to undefine domain")
	errVolDelete        = errors.New("failed to delete storage volume")
	errSnapshotCreateAs = errors.New("failed to create domain snapshot")
)

// Client runs virsh against one libvirt connection URI.
type Client struct {
	uri     string
	invoker *invoker.Invoker
}

func New(uri string, inv *invoker.Invoker) *Client {
	return &Client{
		uri:     uri,
		invoker: inv,
	}
}

// Destroy forces the domain off.
func (c *Client) Destroy(domain string) error {
	if err := c.run("destroy", domain); err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s", domain), errDestroy)
	}
	return nil
}

// Undefine removes the domain definition along with its NVRAM, managed save
// state, every attached storage volume and its snapshot metadata.
func (c *Client) Undefine(domain string) error {
	err := c.run(
		"undefine", domain,
		"--nvram",
		"--managed-save",
		"--remove-all-storage",
		"--snapshots-metadata",
	)
	if err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s", domain), errUndefine)
	}
	return nil
}

// VolDelete deletes volume from pool.
func (c *Client) VolDelete(pool, volume string) error {
	if err := c.run("vol-delete", "--pool", pool, volume); err != nil {
		return errors.Join(err, fmt.Errorf("pool=%s volume=%s", pool, volume), errVolDelete)
	}
	return nil
}

// SnapshotCreateAs takes a snapshot of domain named name.
func (c *Client) SnapshotCreateAs(domain, name string) error {
	if err := c.run("snapshot-create-as", domain, name); err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s snapshot=%s", domain, name), errSnapshotCreateAs)
	}
	return nil
}

func (c *Client) run(args ...string) error {
	if err := c.invoker.Run("", virshBin, append([]string{"-c", c.uri}, args...)...); err != nil {
		return errors.Join(err, ErrVirshCommand)
	}
	return nil
}
