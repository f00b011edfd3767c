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

// Package sshconfig extracts connection parameters for a VM from the OpenSSH
// configuration text printed by `vagrant ssh-config`.
package sshconfig

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// DefaultHost is the host alias vagrant uses for a single-machine Vagrantfile.
const DefaultHost = "default"

var (
	ErrParseConfig  = errors.New("failed to parse ssh config")
	ErrMissingKey   = errors.New("ssh config is missing a required key")
	ErrInvalidPort  = errors.New("ssh config has an invalid port")
	errUnknownAlias = errors.New("no value found for host alias")
)

// Info holds what a client needs to reach a running VM.
// It is only valid until the VM is stopped: host and port may change on every start.
type Info struct {
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	IdentityFile string `json:"idfile"`
}

// Parse reads ssh config text from r and returns the connection info of host.
func Parse(r io.Reader, host string) (*Info, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, errors.Join(err, ErrParseConfig)
	}

	hostname, err := get(cfg, host, "HostName")
	if err != nil {
		return nil, err
	}

	rawPort, err := get(cfg, host, "Port")
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(unquote(rawPort))
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("port=%q", rawPort), ErrInvalidPort)
	}

	user, err := get(cfg, host, "User")
	if err != nil {
		return nil, err
	}

	identityFiles, err := cfg.GetAll(host, "IdentityFile")
	if err != nil {
		return nil, errors.Join(err, ErrParseConfig)
	}
	identityFile := firstIdentityFile(identityFiles)
	if identityFile == "" {
		return nil, errors.Join(fmt.Errorf("host=%s key=IdentityFile", host), ErrMissingKey)
	}

	return &Info{
		Hostname:     unquote(hostname),
		Port:         port,
		User:         unquote(user),
		IdentityFile: identityFile,
	}, nil
}

func get(cfg *ssh_config.Config, host, key string) (string, error) {
	v, err := cfg.Get(host, key)
	if err != nil {
		return "", errors.Join(err, ErrParseConfig)
	}
	if strings.TrimSpace(v) == "" {
		return "", errors.Join(fmt.Errorf("host=%s key=%s", host, key), errUnknownAlias, ErrMissingKey)
	}
	return strings.TrimSpace(v), nil
}

// firstIdentityFile returns the first candidate. A single line may itself
// list several quoted paths.
func firstIdentityFile(values []string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, `"`) {
			if end := strings.Index(v[1:], `"`); end >= 0 {
				return v[1 : end+1]
			}
		}
		return unquote(strings.Fields(v)[0])
	}
	return ""
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
