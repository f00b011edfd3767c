package buildvm

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/buildvm/pkg/vboxmanage"
)

// VirtualBoxVM is a build VM run by vagrant's VirtualBox provider. Snapshots
// are managed with VBoxManage, addressed by the VirtualBox machine UUID.
type VirtualBoxVM struct {
	*base

	vbox *vboxmanage.Client
}

var _ Controller = (*VirtualBoxVM)(nil)

// NewVirtualBox returns a controller for the VirtualBox build VM of dir.
func NewVirtualBox(dir string, opts ...Option) (*VirtualBoxVM, error) {
	o := newOptions(opts...)

	b, err := newBase(dir, ProviderVirtualBox, o)
	if err != nil {
		return nil, err
	}

	return &VirtualBoxVM{
		base: b,
		vbox: vboxmanage.New(b.dir, o.invoker),
	}, nil
}

// baseline maps name to the only snapshot VirtualBox build VMs keep.
func (vm *VirtualBoxVM) baseline(name string) string {
	if name != BaselineSnapshot {
		slog.Warn("virtualbox build VMs only keep the baseline snapshot",
			"vmName", vm.name, "snapshot", name, "baseline", BaselineSnapshot)
	}
	return BaselineSnapshot
}

func (vm *VirtualBoxVM) requireInstanceID(op string) error {
	if vm.instanceID == "" {
		return lifecycleError(op, vm.name, ErrNoInstanceID)
	}
	return nil
}

// SnapshotCreate takes the baseline snapshot.
func (vm *VirtualBoxVM) SnapshotCreate(name string) error {
	if err := vm.requireInstanceID("snapshot create"); err != nil {
		return err
	}
	snapshot := vm.baseline(name)
	slog.Info("creating snapshot", "vmName", vm.name, "snapshot", snapshot)

	start := time.Now()
	err := vm.vbox.SnapshotTake(vm.instanceID, snapshot)
	vm.metrics.observe(vm.provider, "snapshot_create", start, err)
	if err != nil {
		return lifecycleError("snapshot create", vm.name, err)
	}
	return nil
}

// SnapshotList returns the non-empty lines of the detailed VBoxManage listing.
func (vm *VirtualBoxVM) SnapshotList() ([]string, error) {
	out, err := vm.listing()
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (vm *VirtualBoxVM) listing() (string, error) {
	if err := vm.requireInstanceID("snapshot list"); err != nil {
		return "", err
	}

	out, err := vm.vbox.SnapshotList(vm.instanceID)
	if err != nil {
		return "", lifecycleError("snapshot list", vm.name, err)
	}
	return string(out), nil
}

// SnapshotExists reports whether name appears in the snapshot listing. An
// empty name never exists.
func (vm *VirtualBoxVM) SnapshotExists(name string) bool {
	if name == "" {
		return false
	}

	out, err := vm.listing()
	if err != nil {
		slog.Debug("snapshot listing failed", "vmName", vm.name, "snapshot", name, "error", err.Error())
		return false
	}
	return strings.Contains(out, name)
}

// SnapshotRevert restores the baseline snapshot.
func (vm *VirtualBoxVM) SnapshotRevert(name string) error {
	if err := vm.requireInstanceID("snapshot revert"); err != nil {
		return err
	}
	snapshot := vm.baseline(name)
	slog.Info("reverting build VM to snapshot", "vmName", vm.name, "snapshot", snapshot)

	start := time.Now()
	err := vm.vbox.SnapshotRestore(vm.instanceID, snapshot)
	vm.metrics.observe(vm.provider, "snapshot_revert", start, err)
	if err != nil {
		return lifecycleError("snapshot revert", vm.name, errors.Join(fmt.Errorf("snapshot=%s", snapshot), err))
	}
	return nil
}
