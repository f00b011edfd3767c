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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
	"github.com/alexandremahdhaoui/buildvm/pkg/qemuimg"
	"github.com/alexandremahdhaoui/buildvm/pkg/vagrantbox"
	"github.com/alexandremahdhaoui/buildvm/pkg/virsh"
	"github.com/google/uuid"
)

// DefaultBoxOutput is the bundle written by Package when no output is given.
const DefaultBoxOutput = "buildserver.box"

var (
	errLocateImage  = errors.New("failed to locate domain disk image")
	errReadImage    = errors.New("domain disk image is not readable")
	errStaging      = errors.New("failed to prepare box staging directory")
	errCopyImage    = errors.New("failed to copy domain disk image")
	errPackageBox   = errors.New("failed to package box")
	errDomainLookup = errors.New("failed to read domain resources")
)

// LibvirtVM is a build VM run by vagrant-libvirt.
type LibvirtVM struct {
	*base

	hv      Hypervisor
	virsh   *virsh.Client
	qemuImg *qemuimg.Tool
	pool    string

	privilegedFix bool
	privileged    *invoker.Invoker
}

var (
	_ Controller = (*LibvirtVM)(nil)
	_ Packager   = (*LibvirtVM)(nil)
)

// NewLibvirt returns a controller for the libvirt build VM of dir. The
// directory is validated before connecting to libvirt.
func NewLibvirt(dir string, opts ...Option) (*LibvirtVM, error) {
	o := newOptions(opts...)

	b, err := newBase(dir, ProviderLibvirt, o)
	if err != nil {
		return nil, err
	}

	hv := o.hypervisor
	if hv == nil {
		hv, err = o.dial(o.libvirtURI)
		if err != nil {
			return nil, errors.Join(err, ErrConnectLibvirt)
		}
	}

	return &LibvirtVM{
		base:          b,
		hv:            hv,
		virsh:         virsh.New(o.libvirtURI, o.invoker),
		qemuImg:       qemuimg.New(o.invoker),
		pool:          o.storagePool,
		privilegedFix: o.privilegedFix,
		privileged:    o.invoker.WithPrepend(o.privilegedCmd...),
	}, nil
}

// Destroy tears down the vagrant machine, then forces the domain off and
// undefines it with its storage, NVRAM and snapshot metadata.
func (vm *LibvirtVM) Destroy() CleanupReport {
	c := vm.newCleanup()
	vm.destroy(c)

	c.run("virsh destroy", func() error {
		return vm.virsh.Destroy(vm.name)
	})
	c.run("virsh undefine", func() error {
		return vm.virsh.Undefine(vm.name)
	})

	return c.report
}

// boxVolume is the volume vagrant-libvirt uploads the box image to.
func boxVolume(box string) string {
	return fmt.Sprintf("%s_vagrant_box_image_0.img", box)
}

// BoxAdd registers the box. With force, the volume a previous version of the
// box left in the storage pool is deleted first.
func (vm *LibvirtVM) BoxAdd(name, file string, force bool) error {
	abs, err := boxFile(file)
	if err != nil {
		return err
	}

	if force {
		vol := boxVolume(name)
		if err := vm.virsh.VolDelete(vm.pool, vol); err != nil {
			slog.Debug("box image was not present in storage pool", "pool", vm.pool, "volume", vol, "error", err.Error())
		} else {
			slog.Debug("removed box image from storage pool", "pool", vm.pool, "volume", vol)
		}
	}

	return vm.boxAdd(name, abs, force)
}

func (vm *LibvirtVM) BoxRemove(name string) CleanupReport {
	c := vm.newCleanup()
	vm.boxRemove(c, name)

	c.run("virsh vol-delete", func() error {
		return vm.virsh.VolDelete(vm.pool, boxVolume(name))
	})

	return c.report
}

func (vm *LibvirtVM) SnapshotCreate(name string) error {
	slog.Info("creating snapshot", "vmName", vm.name, "snapshot", name)

	start := time.Now()
	err := vm.virsh.SnapshotCreateAs(vm.name, name)
	vm.metrics.observe(vm.provider, "snapshot_create", start, err)
	if err != nil {
		return lifecycleError("snapshot create", vm.name, errors.Join(fmt.Errorf("snapshot=%s", name), err))
	}
	return nil
}

func (vm *LibvirtVM) SnapshotList() ([]string, error) {
	names, err := vm.hv.ListSnapshots(vm.name)
	if err != nil {
		return nil, lifecycleError("snapshot list", vm.name, err)
	}
	return names, nil
}

func (vm *LibvirtVM) SnapshotExists(name string) bool {
	if err := vm.hv.LookupSnapshot(vm.name, name); err != nil {
		slog.Debug("snapshot lookup failed", "vmName", vm.name, "snapshot", name, "error", err.Error())
		return false
	}
	return true
}

func (vm *LibvirtVM) SnapshotRevert(name string) error {
	slog.Info("reverting build VM to snapshot", "vmName", vm.name, "snapshot", name)

	start := time.Now()
	err := vm.hv.RevertSnapshot(vm.name, name)
	vm.metrics.observe(vm.provider, "snapshot_revert", start, err)
	if err != nil {
		return lifecycleError("snapshot revert", vm.name, errors.Join(fmt.Errorf("snapshot=%s", name), err))
	}
	return nil
}

// Package exports the domain disk as a vagrant box bundle at output. When the
// storage pool cannot be reached packaging is skipped with a warning.
//
// Intermediate files are staged in a directory next to output, removed unless
// keepFiles is set.
func (vm *LibvirtVM) Package(output string, keepFiles bool) error {
	if output == "" {
		output = DefaultBoxOutput
		slog.Debug("no box output set, using default", "vmName", vm.name, "output", output)
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return errors.Join(err, fmt.Errorf("output=%s", output), errPackageBox)
	}
	output = abs

	image, err := vm.locateImage()
	if errors.Is(err, ErrStoragePoolUnavailable) {
		slog.Warn("cannot reach storage pool, skipping box packaging", "vmName", vm.name, "pool", vm.pool, "error", err.Error())
		return nil
	} else if err != nil {
		return errors.Join(err, errPackageBox)
	}

	info, err := vm.hv.DomainInfo(vm.name)
	if err != nil {
		return errors.Join(err, errDomainLookup, errPackageBox)
	}

	if err := vm.ensureReadable(image); err != nil {
		return errors.Join(err, errPackageBox)
	}

	staging := filepath.Join(filepath.Dir(output), fmt.Sprintf(".%s-%s", filepath.Base(output), uuid.NewString()))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", staging), errStaging, errPackageBox)
	}
	if keepFiles {
		slog.Info("keeping box intermediate files", "vmName", vm.name, "dir", staging)
	} else {
		defer func() {
			if err := os.RemoveAll(staging); err != nil {
				slog.Debug("cannot remove box staging directory", "dir", staging, "error", err.Error())
			}
		}()
	}

	start := time.Now()
	err = vm.packageIn(staging, output, image, info)
	vm.metrics.observe(vm.provider, "package", start, err)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s output=%s", vm.name, output), errPackageBox)
	}

	slog.Info("packaged build VM", "vmName", vm.name, "output", output)
	return nil
}

func (vm *LibvirtVM) packageIn(staging, output, image string, info *DomainInfo) error {
	slog.Debug("preparing box image", "vmName", vm.name, "image", image, "dir", staging)
	if err := copyFile(image, filepath.Join(staging, vagrantbox.ImageFile)); err != nil {
		return errors.Join(err, errCopyImage)
	}

	if err := vm.qemuImg.Flatten(staging, vagrantbox.ImageFile); err != nil {
		return err
	}

	imgInfo, err := vm.qemuImg.Info(staging, vagrantbox.ImageFile)
	if err != nil {
		return err
	}

	if err := vagrantbox.WriteMetadata(staging, vagrantbox.NewMetadata(imgInfo.Format, imgInfo.VirtualSize)); err != nil {
		return err
	}

	if err := vagrantbox.WriteVagrantfile(staging, vagrantbox.VagrantfileParams{
		CPUs:        info.VCPUs,
		MemoryMiB:   info.MaxMemKiB / 1024,
		StoragePool: vm.pool,
	}); err != nil {
		return err
	}

	return vagrantbox.Archive(output, staging, vagrantbox.Files...)
}

// locateImage returns the path of the "<name>.img" volume of the storage
// pool, falling back to the first file-backed disk of the domain.
func (vm *LibvirtVM) locateImage() (string, error) {
	path, err := vm.hv.VolumePath(vm.pool, vm.name+".img")
	if err == nil {
		return path, nil
	}
	if errors.Is(err, ErrStoragePoolUnavailable) {
		return "", err
	}

	slog.Debug("volume not found in storage pool, reading domain disks",
		"vmName", vm.name, "pool", vm.pool, "error", err.Error())

	path, diskErr := vm.hv.DomainDiskPath(vm.name)
	if diskErr != nil {
		return "", errors.Join(err, diskErr, errLocateImage)
	}
	return path, nil
}

func (vm *LibvirtVM) ensureReadable(image string) error {
	if readable(image) {
		return nil
	}

	slog.Warn("cannot read domain disk image", "vmName", vm.name, "image", image)
	if !vm.privilegedFix {
		return errors.Join(fmt.Errorf("image=%s", image), errReadImage)
	}

	if err := vm.privileged.Run("", "chmod", "a+r", image); err != nil {
		return errors.Join(err, fmt.Errorf("image=%s", image), errReadImage)
	}
	if !readable(image) {
		return errors.Join(fmt.Errorf("image=%s", image), errReadImage)
	}

	return nil
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	return out.Close()
}

// Close closes the libvirt connection.
func (vm *LibvirtVM) Close() error {
	return vm.hv.Close()
}
