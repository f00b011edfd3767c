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

// Package vagrantbox writes vagrant box bundles: a gzip-compressed tar archive
// holding a metadata descriptor, a Vagrantfile and the disk image.
package vagrantbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

const (
	MetadataFile    = "metadata.json"
	VagrantfileFile = "Vagrantfile"
	ImageFile       = "box.img"

	ProviderLibvirt = "libvirt"

	gib = int64(1) << 30
)

// Files lists the bundle entries in archive order.
var Files = []string{MetadataFile, VagrantfileFile, ImageFile}

var (
	errMarshalMetadata   = errors.New("failed to marshal box metadata")
	errWriteMetadata     = errors.New("failed to write box metadata")
	errRenderVagrantfile = errors.New("failed to render box Vagrantfile")
	errWriteVagrantfile  = errors.New("failed to write box Vagrantfile")
)

// Metadata is the content of metadata.json.
type Metadata struct {
	Provider string `json:"provider"`
	Format   string `json:"format"`
	// VirtualSize is in whole GiB.
	VirtualSize int64 `json:"virtual_size"`
}

// NewMetadata returns libvirt metadata for an image of the given format and
// virtual size in bytes.
func NewMetadata(format string, virtualSizeBytes int64) Metadata {
	return Metadata{
		Provider:    ProviderLibvirt,
		Format:      format,
		VirtualSize: VirtualSizeGiB(virtualSizeBytes),
	}
}

// VirtualSizeGiB rounds a size in bytes up to whole GiB.
func VirtualSizeGiB(b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (b + gib - 1) / gib
}

// WriteMetadata writes m as metadata.json into dir.
func WriteMetadata(dir string, m Metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Join(err, errMarshalMetadata)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), b, 0o644); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", dir), errWriteMetadata)
	}
	return nil
}

var vagrantfileTemplate = template.Must(template.New(VagrantfileFile).Parse(`Vagrant.configure("2") do |config|
  config.ssh.username = "vagrant"
  config.ssh.password = "vagrant"

  config.vm.provider :libvirt do |libvirt|

    libvirt.driver = "kvm"
    libvirt.host = ""
    libvirt.connect_via_ssh = false
    libvirt.storage_pool_name = "{{ .StoragePool }}"
    libvirt.cpus = {{ .CPUs }}
    libvirt.memory = {{ .MemoryMiB }}

  end
end
`))

// VagrantfileParams parameterizes the Vagrantfile shipped inside the box.
type VagrantfileParams struct {
	CPUs        uint
	MemoryMiB   uint64
	StoragePool string
}

// RenderVagrantfile renders the box Vagrantfile.
func RenderVagrantfile(p VagrantfileParams) ([]byte, error) {
	if p.StoragePool == "" {
		p.StoragePool = "default"
	}

	buf := bytes.NewBuffer(nil)
	if err := vagrantfileTemplate.Execute(buf, p); err != nil {
		return nil, errors.Join(err, errRenderVagrantfile)
	}
	return buf.Bytes(), nil
}

// WriteVagrantfile renders the box Vagrantfile into dir.
func WriteVagrantfile(dir string, p VagrantfileParams) error {
	b, err := RenderVagrantfile(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, VagrantfileFile), b, 0o644); err != nil {
		return errors.Join(err, fmt.Errorf("dir=%s", dir), errWriteVagrantfile)
	}
	return nil
}
