// Package vboxmanage wraps the VBoxManage snapshot commands.
package vboxmanage

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
)

const vboxManageBin = "VBoxManage"

var (
	errSnapshotTake    = errors.New("failed to take virtualbox snapshot")
	errSnapshotList    = errors.New("failed to list virtualbox snapshots")
	errSnapshotRestore = errors.New("failed to restore virtualbox snapshot")
)

// Client runs VBoxManage from a working directory.
type Client struct {
	dir     string
	invoker *invoker.Invoker
}

func New(dir string, inv *invoker.Invoker) *Client {
	return &Client{
		dir:     dir,
		invoker: inv,
	}
}

// SnapshotTake takes a snapshot named name of the machine vm (name or UUID).
func (c *Client) SnapshotTake(vm, name string) error {
	if err := c.invoker.Run(c.dir, vboxManageBin, "snapshot", vm, "take", name); err != nil {
		return errors.Join(err, fmt.Errorf("vm=%s snapshot=%s", vm, name), errSnapshotTake)
	}
	return nil
}

// SnapshotList returns the detailed snapshot listing of vm as printed by VBoxManage.
func (c *Client) SnapshotList(vm string) ([]byte, error) {
	out, err := c.invoker.Output(c.dir, vboxManageBin, "snapshot", vm, "list", "--details")
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vm=%s", vm), errSnapshotList)
	}
	return out, nil
}

func (c *Client) SnapshotRestore(vm, name string) error {
	if err := c.invoker.Run(c.dir, vboxManageBin, "snapshot", vm, "restore", name); err != nil {
		return errors.Join(err, fmt.Errorf("vm=%s snapshot=%s", vm, name), errSnapshotRestore)
	}
	return nil
}
