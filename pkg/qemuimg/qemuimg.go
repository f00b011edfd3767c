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

package qemuimg

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
)

const qemuImgBin = "qemu-img"

var (
	errRebase    = errors.New("failed to rebase disk image")
	errInfo      = errors.New("failed to inspect disk image")
	errParseInfo = errors.New("failed to parse qemu-img info output")
)

// ImageInfo is the subset of `qemu-img info --output=json` we rely on.
type ImageInfo struct {
	Format          string `json:"format"`
	VirtualSize     int64  `json:"virtual-size"`
	ActualSize      int64  `json:"actual-size,omitempty"`
	BackingFilename string `json:"backing-filename,omitempty"`
}

// Tool runs qemu-img.
type Tool struct {
	invoker *invoker.Invoker
}

func New(inv *invoker.Invoker) *Tool {
	return &Tool{invoker: inv}
}

// Flatten rebases image onto no backing file, merging the backing chain into
// it so the image is self-contained.
func (t *Tool) Flatten(dir, image string) error {
	if err := t.invoker.Run(dir, qemuImgBin, "rebase", "-p", "-b", "", image); err != nil {
		return errors.Join(err, fmt.Errorf("image=%s", image), errRebase)
	}
	return nil
}

// Info probes the format and size of image.
func (t *Tool) Info(dir, image string) (*ImageInfo, error) {
	out, err := t.invoker.Output(dir, qemuImgBin, "info", "--output=json", image)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("image=%s", image), errInfo)
	}

	info := &ImageInfo{}
	if err := json.Unmarshal(out, info); err != nil {
		return nil, errors.Join(err, fmt.Errorf("output: %s", out), errParseInfo)
	}
	return info, nil
}
