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

package buildvm

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"github.com/alexandremahdhaoui/buildvm/pkg/vagrant"
)

// base implements the provider-independent part of a Controller.
type base struct {
	dir      string
	name     string
	provider Provider

	instanceID string

	vagrant     *vagrant.Client
	invoker     *invoker.Invoker
	lock        sync.Locker
	metrics     *Metrics
	vagrantHome string

	removeAll func(path string) error
}

// newBase validates dir before any tool runs.
func newBase(dir string, p Provider, o *options) (*base, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, configError(err, fmt.Sprintf("dir=%s", dir))
	}

	if err := validateDir(abs); err != nil {
		return nil, err
	}

	home := o.vagrantHome
	if home == "" {
		home = vagrant.Home()
	}

	b := &base{
		dir:         abs,
		name:        filepath.Base(abs) + nameSuffix,
		provider:    p,
		vagrant:     vagrant.New(abs, o.invoker),
		invoker:     o.invoker,
		lock:        o.lock,
		metrics:     o.metrics,
		vagrantHome: home,
		removeAll:   os.RemoveAll,
	}
	b.instanceID = readInstanceID(abs, p)

	return b, nil
}

func validateDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return configError(errors.Join(err, ErrServerDirMissing), fmt.Sprintf("dir=%s", dir))
	}
	if !fi.IsDir() {
		return configError(ErrServerDirMissing, fmt.Sprintf("dir=%s", dir))
	}

	vagrantfile := filepath.Join(dir, VagrantfileName)
	fi, err = os.Stat(vagrantfile)
	if err != nil {
		return configError(errors.Join(err, ErrVagrantfileMissing), fmt.Sprintf("path=%s", vagrantfile))
	}
	if !fi.Mode().IsRegular() {
		return configError(ErrVagrantfileMissing, fmt.Sprintf("path=%s", vagrantfile))
	}

	return nil
}

func (b *base) Name() string         { return b.name }
func (b *base) Dir() string          { return b.dir }
func (b *base) Provider() Provider   { return b.provider }
func (b *base) InstanceID() string   { return b.instanceID }
func (b *base) InstanceIDOkay() bool { return b.instanceID != "" }

func (b *base) Up(provision bool) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	slog.Info("starting build VM", "vmName", b.name, "provider", b.provider, "provision", provision)

	start := time.Now()
	err := b.vagrant.Up(string(b.provider), provision)
	b.metrics.observe(b.provider, "up", start, err)
	if err != nil {
		lerr := lifecycleError("up", b.name, err)
		lerr.Detail = b.statusLine()
		return lerr
	}

	b.instanceID = readInstanceID(b.dir, b.provider)
	return nil
}

// statusLine describes the first machine of `vagrant status`, or "" when the
// status cannot be fetched.
func (b *base) statusLine() string {
	status, err := b.vagrant.Status()
	if err != nil {
		slog.Debug("cannot fetch build VM status", "vmName", b.name, "error", err.Error())
		return ""
	}
	if len(status) == 0 {
		return ""
	}

	return fmt.Sprintf("VM status: name=%s, state=%s, provider=%s",
		status[0].Name, status[0].State, status[0].Provider)
}

func (b *base) Halt() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	slog.Info("halting build VM", "vmName", b.name)

	start := time.Now()
	err := b.vagrant.Halt(true)
	b.metrics.observe(b.provider, "halt", start, err)
	if err != nil {
		return lifecycleError("halt", b.name, err)
	}
	return nil
}

func (b *base) Suspend() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	slog.Info("suspending build VM", "vmName", b.name)

	start := time.Now()
	err := b.vagrant.Suspend()
	b.metrics.observe(b.provider, "suspend", start, err)
	if err != nil {
		return lifecycleError("suspend", b.name, err)
	}
	return nil
}

func (b *base) Destroy() CleanupReport {
	c := b.newCleanup()
	b.destroy(c)
	return c.report
}

func (b *base) newCleanup() *cleanup {
	return &cleanup{vm: b.name, metrics: b.metrics, p: b.provider}
}

// destroy runs the vagrant teardown steps. Each step runs whatever the outcome
// of the previous ones.
func (b *base) destroy(c *cleanup) {
	slog.Info("destroying build VM", "vmName", b.name)

	c.run("vagrant destroy", b.vagrant.Destroy)
	c.run("remove vagrant state", func() error {
		return b.removeAll(filepath.Join(b.dir, stateDirName))
	})
	c.run("prune vagrant global status", b.vagrant.PruneGlobalStatus)
}

// SSHInfo also leaves the raw ssh configuration in <dir>/sshconfig, so that
// `ssh -F sshconfig default` works from the managed directory.
func (b *base) SSHInfo() (*sshconfig.Info, error) {
	out, err := b.vagrant.SSHConfig()
	if err != nil {
		return nil, lifecycleError("ssh-config", b.name, err)
	}

	path := filepath.Join(b.dir, sshConfigFile)
	if err := os.WriteFile(path, out, 0o600); err != nil {
		slog.Debug("cannot write ssh config", "path", path, "error", err.Error())
	}

	return sshconfig.Parse(bytes.NewReader(out), sshconfig.DefaultHost)
}

// boxFile resolves file to an absolute path of an existing regular file.
func boxFile(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", configError(err, fmt.Sprintf("file=%s", file))
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return "", configError(errors.Join(err, ErrBoxFileMissing), fmt.Sprintf("file=%s", abs))
	}
	if !fi.Mode().IsRegular() {
		return "", configError(ErrBoxFileMissing, fmt.Sprintf("file=%s", abs))
	}

	return abs, nil
}

func (b *base) BoxAdd(name, file string, force bool) error {
	abs, err := boxFile(file)
	if err != nil {
		return err
	}
	return b.boxAdd(name, abs, force)
}

func (b *base) boxAdd(name, abs string, force bool) error {
	slog.Info("adding box", "box", name, "file", abs, "force", force)
	return b.vagrant.BoxAdd(name, abs, force)
}

func (b *base) BoxRemove(name string) CleanupReport {
	c := b.newCleanup()
	b.boxRemove(c, name)
	return c.report
}

func (b *base) boxRemove(c *cleanup, name string) {
	c.run("vagrant box remove", func() error {
		return b.vagrant.BoxRemove(name)
	})

	boxDir := vagrant.BoxDir(b.vagrantHome, name)
	if _, err := os.Stat(boxDir); err != nil {
		return
	}
	slog.Info("removing box directory", "box", name, "path", boxDir)
	c.run("remove box directory", func() error {
		return b.removeAll(boxDir)
	})
}

func (b *base) Close() error { return nil }
