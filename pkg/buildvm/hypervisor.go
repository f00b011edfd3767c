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

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	// ErrStoragePoolUnavailable is returned when the storage pool cannot be reached.
	ErrStoragePoolUnavailable = errors.New("storage pool unavailable")

	errLookupDomain       = errors.New("failed to look up domain")
	errGetDomainInfo      = errors.New("failed to get domain info")
	errGetDomainXML       = errors.New("failed to get domain XML")
	errUnmarshalDomainXML = errors.New("failed to unmarshal domain XML")
	errNoFileDisk         = errors.New("domain has no file-backed disk")
	errLookupVolume       = errors.New("failed to look up storage volume")
	errListSnapshots      = errors.New("failed to list domain snapshots")
	errLookupSnapshot     = errors.New("failed to look up domain snapshot")
	errRevertSnapshot     = errors.New("failed to revert domain snapshot")
)

// DomainInfo holds the resources of a libvirt domain.
type DomainInfo struct {
	VCPUs     uint
	MaxMemKiB uint64
}

// Hypervisor is the subset of the libvirt daemon API used by the libvirt backend.
type Hypervisor interface {
	DomainInfo(domain string) (*DomainInfo, error)
	// DomainDiskPath returns the path of the first file-backed disk of domain.
	DomainDiskPath(domain string) (string, error)
	// VolumePath returns the path of volume in pool. It returns an error
	// matching ErrStoragePoolUnavailable when pool cannot be reached.
	VolumePath(pool, volume string) (string, error)

	ListSnapshots(domain string) ([]string, error)
	LookupSnapshot(domain, name string) error
	RevertSnapshot(domain, name string) error

	Close() error
}

// libvirtHypervisor implements Hypervisor over a libvirt connection.
type libvirtHypervisor struct {
	conn *libvirt.Connect
}

// DialLibvirt connects to the libvirt daemon at uri.
func DialLibvirt(uri string) (Hypervisor, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", uri), ErrConnectLibvirt)
	}
	return &libvirtHypervisor{conn: conn}, nil
}

func (h *libvirtHypervisor) Close() error {
	if h.conn == nil {
		return nil
	}
	_, err := h.conn.Close()
	return err
}

func (h *libvirtHypervisor) lookupDomain(name string) (*libvirt.Domain, error) {
	dom, err := h.conn.LookupDomainByName(name)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errLookupDomain)
	}
	return dom, nil
}

func (h *libvirtHypervisor) DomainInfo(domain string) (*DomainInfo, error) {
	dom, err := h.lookupDomain(domain)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	info, err := dom.GetInfo()
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", domain), errGetDomainInfo)
	}

	return &DomainInfo{
		VCPUs:     info.NrVirtCpu,
		MaxMemKiB: info.MaxMem,
	}, nil
}

func (h *libvirtHypervisor) DomainDiskPath(domain string) (string, error) {
	dom, err := h.lookupDomain(domain)
	if err != nil {
		return "", err
	}
	defer dom.Free()

	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", domain), errGetDomainXML)
	}

	return diskPathFromXML(h, domain, xml)
}

// diskPathFromXML returns the first disk of the domain XML backed by a file or
// by a storage pool volume.
func diskPathFromXML(h Hypervisor, domain, xml string) (string, error) {
	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(xml); err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", domain), errUnmarshalDomainXML)
	}

	if def.Devices == nil {
		return "", errors.Join(fmt.Errorf("vmName=%s", domain), errNoFileDisk)
	}

	for _, disk := range def.Devices.Disks {
		if disk.Device != "" && disk.Device != "disk" {
			continue
		}
		if disk.Source == nil {
			continue
		}
		if disk.Source.File != nil && disk.Source.File.File != "" {
			return disk.Source.File.File, nil
		}
		if v := disk.Source.Volume; v != nil && v.Pool != "" && v.Volume != "" {
			return h.VolumePath(v.Pool, v.Volume)
		}
	}

	return "", errors.Join(fmt.Errorf("vmName=%s", domain), errNoFileDisk)
}

func (h *libvirtHypervisor) VolumePath(pool, volume string) (string, error) {
	p, err := h.conn.LookupStoragePoolByName(pool)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("pool=%s", pool), ErrStoragePoolUnavailable)
	}
	defer p.Free()

	vol, err := p.LookupStorageVolByName(volume)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("pool=%s volume=%s", pool, volume), errLookupVolume)
	}
	defer vol.Free()

	path, err := vol.GetPath()
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("pool=%s volume=%s", pool, volume), errLookupVolume)
	}

	return path, nil
}

func (h *libvirtHypervisor) ListSnapshots(domain string) ([]string, error) {
	dom, err := h.lookupDomain(domain)
	if err != nil {
		return nil, err
	}
	defer dom.Free()

	snaps, err := dom.ListAllSnapshots(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", domain), errListSnapshots)
	}

	names := make([]string, 0, len(snaps))
	var errs []error
	for i := range snaps {
		name, err := snaps[i].GetName()
		if err != nil {
			errs = append(errs, err)
		} else {
			names = append(names, name)
		}
		_ = snaps[i].Free()
	}
	if len(errs) > 0 {
		return nil, errors.Join(errors.Join(errs...), fmt.Errorf("vmName=%s", domain), errListSnapshots)
	}

	return names, nil
}

func (h *libvirtHypervisor) LookupSnapshot(domain, name string) error {
	dom, err := h.lookupDomain(domain)
	if err != nil {
		return err
	}
	defer dom.Free()

	snap, err := dom.SnapshotLookupByName(name, 0)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s snapshot=%s", domain, name), errLookupSnapshot)
	}
	_ = snap.Free()

	return nil
}

func (h *libvirtHypervisor) RevertSnapshot(domain, name string) error {
	dom, err := h.lookupDomain(domain)
	if err != nil {
		return err
	}
	defer dom.Free()

	snap, err := dom.SnapshotLookupByName(name, 0)
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s snapshot=%s", domain, name), errLookupSnapshot)
	}
	defer snap.Free()

	if err := snap.RevertToSnapshot(0); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s snapshot=%s", domain, name), errRevertSnapshot)
	}

	return nil
}
