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

// Package buildvm manages disposable build virtual machines driven through
// vagrant, on top of either libvirt or VirtualBox.
//
// A Selector picks the backend for a managed directory and returns a
// Controller bound to it. The directory holds the Vagrantfile and vagrant's
// hidden ".vagrant" state.
package buildvm

import (
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
)

// Provider names a vagrant provider backing a build VM.
type Provider string

const (
	ProviderLibvirt    Provider = "libvirt"
	ProviderVirtualBox Provider = "virtualbox"
)

// Providers lists the supported providers.
var Providers = []Provider{ProviderLibvirt, ProviderVirtualBox}

// ParseProvider reports whether s names a supported provider.
func ParseProvider(s string) (Provider, bool) {
	for _, p := range Providers {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

const (
	// DefaultBoxName is the base box build VMs are created from.
	DefaultBoxName = "buildserver"
	// BaselineSnapshot is the clean state snapshot used by the VirtualBox backend.
	BaselineSnapshot = "fdroidclean"
	// VagrantfileName is the machine definition expected in a managed directory.
	VagrantfileName = "Vagrantfile"

	nameSuffix    = "_default"
	stateDirName  = ".vagrant"
	sshConfigFile = "sshconfig"
)

// Controller drives the lifecycle of the build VM of one managed directory.
//
// Up, Halt and Suspend are serialized across every controller sharing the same
// lock. Nothing else is: callers must not drive the same directory from two
// controllers concurrently.
type Controller interface {
	// Name is the VM identity: the directory basename suffixed with "_default".
	Name() string
	// Dir is the absolute managed directory.
	Dir() string
	Provider() Provider
	// InstanceID is the provider instance id recovered from vagrant state, or
	// "" when the VM was never brought up.
	InstanceID() string
	// InstanceIDOkay reports whether an instance id is known.
	InstanceIDOkay() bool

	// Up creates and starts the VM.
	Up(provision bool) error
	// Halt forcefully stops the VM.
	Halt() error
	Suspend() error
	// Destroy removes every trace of the VM. It never fails: the report lists
	// the outcome of each teardown step.
	Destroy() CleanupReport

	// SSHInfo returns the connection parameters of the running VM.
	SSHInfo() (*sshconfig.Info, error)

	SnapshotCreate(name string) error
	SnapshotList() ([]string, error)
	// SnapshotExists reports false when the snapshot is missing or when its
	// existence could not be determined.
	SnapshotExists(name string) bool
	SnapshotRevert(name string) error

	// BoxAdd registers the box file under name. The file must exist.
	BoxAdd(name, file string, force bool) error
	// BoxRemove removes the box name. It never fails.
	BoxRemove(name string) CleanupReport

	// Close releases backend handles.
	Close() error
}

// Packager exports a build VM as a vagrant box bundle.
type Packager interface {
	// Package writes the box bundle to output. Intermediate files are kept
	// next to output when keepFiles is set.
	Package(output string, keepFiles bool) error
}
