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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
	"github.com/alexandremahdhaoui/buildvm/pkg/vagrant"
)

var (
	// libvirtTools are the executables whose presence means KVM/QEMU is installed.
	libvirtTools = []string{"kvm", "qemu", "qemu-kvm", "qemu-system-x86_64"}
	// virtualBoxTools are the executables whose presence means VirtualBox is installed.
	virtualBoxTools = []string{"VBoxHeadless"}
)

// Selector picks the provider of a managed directory and builds its
// controller. Controllers built by one Selector share its lock.
type Selector struct {
	invoker *invoker.Invoker
	lock    sync.Locker
	exit    func(code int)
	opts    []Option
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorInvoker sets the invoker used to probe tools and build controllers.
func WithSelectorInvoker(inv *invoker.Invoker) SelectorOption {
	return func(s *Selector) {
		s.invoker = inv
	}
}

// WithExitFunc replaces os.Exit, called when no provider can be determined.
func WithExitFunc(fn func(code int)) SelectorOption {
	return func(s *Selector) {
		s.exit = fn
	}
}

// WithControllerOptions adds options to every controller the Selector builds.
func WithControllerOptions(opts ...Option) SelectorOption {
	return func(s *Selector) {
		s.opts = append(s.opts, opts...)
	}
}

// NewSelector returns a Selector with its own lock.
func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{
		lock: &sync.Mutex{},
		exit: os.Exit,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.invoker == nil {
		s.invoker = invoker.New()
	}

	return s
}

// Select returns the controller of dir. A recognized requested provider is
// used as is. Otherwise the provider is inferred from the installed tools,
// then from the vagrant state left in dir, then from the available boxes.
//
// When no provider can be determined the process exits with status 1.
func (s *Selector) Select(dir, requested string) (Controller, error) {
	p, err := s.Resolve(dir, requested)
	if err != nil {
		slog.Error("no build VM provider available, cannot proceed", "dir", dir, "error", err.Error())
		s.exit(1)
		return nil, err
	}

	return s.New(dir, p)
}

// New builds the controller of dir for provider p.
func (s *Selector) New(dir string, p Provider) (Controller, error) {
	opts := append([]Option{WithInvoker(s.invoker), WithLock(s.lock)}, s.opts...)

	switch p {
	case ProviderLibvirt:
		vm, err := NewLibvirt(dir, opts...)
		if err != nil {
			return nil, err
		}
		return vm, nil
	case ProviderVirtualBox:
		vm, err := NewVirtualBox(dir, opts...)
		if err != nil {
			return nil, err
		}
		return vm, nil
	default:
		return nil, configError(ErrNoProvider, fmt.Sprintf("provider=%s", p))
	}
}

// Resolve decides the provider of dir without building a controller.
func (s *Selector) Resolve(dir, requested string) (Provider, error) {
	if requested != "" {
		if p, ok := ParseProvider(requested); ok {
			slog.Debug("build VM provider selected", "provider", p)
			return p, nil
		}
		slog.Warn("build VM provider not supported", "provider", requested)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", configError(errors.Join(err, ErrNoProvider), fmt.Sprintf("dir=%s", dir))
	}

	libvirtInstalled := s.anyInstalled(libvirtTools)
	vboxInstalled := s.anyInstalled(virtualBoxTools)
	if p, ok := choose(libvirtInstalled, vboxInstalled, false); ok {
		slog.Debug("build VM provider is the sole installed one", "provider", p)
		return p, nil
	}
	slog.Debug("installed tools do not determine the build VM provider",
		"libvirt", libvirtInstalled, "virtualbox", vboxInstalled)

	libvirtState := hasMachineState(abs, ProviderLibvirt)
	vboxState := hasMachineState(abs, ProviderVirtualBox)
	if p, ok := choose(libvirtState, vboxState, true); ok {
		slog.Info("build VM provider found in vagrant state", "provider", p,
			"libvirt", libvirtState, "virtualbox", vboxState)
		return p, nil
	}

	libvirtBox, vboxBox := s.availableBoxes(abs)
	if p, ok := choose(libvirtBox, vboxBox, true); ok {
		slog.Info("build VM provider found in available boxes", "provider", p, "box", DefaultBoxName,
			"libvirt", libvirtBox, "virtualbox", vboxBox)
		return p, nil
	}

	return "", configError(ErrNoProvider, fmt.Sprintf("dir=%s box=%s", abs, DefaultBoxName))
}

// choose returns the provider of the single signal that fired. When both
// fired, VirtualBox wins if tieToVirtualBox is set.
func choose(libvirt, virtualBox, tieToVirtualBox bool) (Provider, bool) {
	switch {
	case libvirt && virtualBox:
		if tieToVirtualBox {
			return ProviderVirtualBox, true
		}
		return "", false
	case libvirt:
		return ProviderLibvirt, true
	case virtualBox:
		return ProviderVirtualBox, true
	default:
		return "", false
	}
}

func (s *Selector) anyInstalled(tools []string) bool {
	for _, tool := range tools {
		if s.invoker.Installed(tool) {
			return true
		}
	}
	return false
}

// availableBoxes reports which providers have the default box. A failing box
// listing counts as no box.
func (s *Selector) availableBoxes(dir string) (libvirt, virtualBox bool) {
	workdir := dir
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		workdir = ""
	}

	boxes, err := vagrant.New(workdir, s.invoker).BoxList()
	if err != nil {
		slog.Debug("cannot list vagrant boxes", "error", err.Error())
		return false, false
	}

	for _, box := range boxes {
		if box.Name != DefaultBoxName {
			continue
		}
		switch Provider(box.Provider) {
		case ProviderLibvirt:
			libvirt = true
		case ProviderVirtualBox:
			virtualBox = true
		}
	}

	return libvirt, virtualBox
}
