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

// Package invoker runs external tools (vagrant, virsh, qemu-img, VBoxManage)
// and reports non-zero exits as errors.
//
// Every call blocks until the tool exits. There is no timeout: a hung tool
// hangs the caller.
package invoker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
	"k8s.io/utils/exec"
)

var ErrCommandFailed = errors.New("command failed")

// CommandError describes a command that could not run or exited non-zero.
type CommandError struct {
	// Cmd is the formatted command line.
	Cmd string
	// Dir is the working directory the command ran in.
	Dir string
	// ExitStatus is -1 when the command did not exit normally.
	ExitStatus int
	// Stderr is the trimmed standard error output, when captured.
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s failed", e.Cmd)
	if e.ExitStatus >= 0 {
		msg = fmt.Sprintf("%s with exit status %d", msg, e.ExitStatus)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *CommandError) Unwrap() []error {
	return []error{e.Err, ErrCommandFailed}
}

// Invoker executes external commands.
type Invoker struct {
	exec exec.Interface
	ctx  execcontext.Context
}

// Option is a functional option for configuring an Invoker.
type Option func(*Invoker)

// WithExec sets the executor, e.g. a k8s.io/utils/exec/testing.FakeExec.
func WithExec(e exec.Interface) Option {
	return func(i *Invoker) {
		i.exec = e
	}
}

// WithContext sets the environment and prepend command applied to every command.
func WithContext(ctx execcontext.Context) Option {
	return func(i *Invoker) {
		i.ctx = ctx
	}
}

// New creates an Invoker backed by the host's executables.
func New(opts ...Option) *Invoker {
	i := &Invoker{
		exec: exec.New(),
		ctx:  execcontext.New(nil, nil),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// WithPrepend returns a copy of the Invoker that prefixes every command with cmd.
func (i *Invoker) WithPrepend(cmd ...string) *Invoker {
	return &Invoker{
		exec: i.exec,
		ctx:  execcontext.WithPrepend(i.ctx, cmd...),
	}
}

// Output runs name with args in dir and returns its standard output.
// An empty dir runs the command in the current working directory.
func (i *Invoker) Output(dir, name string, args ...string) ([]byte, error) {
	argv := execcontext.Argv(i.ctx, append([]string{name}, args...)...)
	formatted := execcontext.FormatCmd(i.ctx, append([]string{name}, args...)...)
	slog.Debug("running command", "cmd", formatted, "dir", dir)

	cmd := i.exec.Command(argv[0], argv[1:]...)
	if dir != "" {
		cmd.SetDir(dir)
	}
	if env := execcontext.Environ(i.ctx); len(env) > 0 {
		cmd.SetEnv(append(os.Environ(), env...))
	}

	out, err := cmd.Output()
	if err != nil {
		return out, newCommandError(formatted, dir, err)
	}

	return out, nil
}

// Run runs name with args in dir, discarding its standard output.
func (i *Invoker) Run(dir, name string, args ...string) error {
	out, err := i.Output(dir, name, args...)
	if len(out) > 0 {
		slog.Debug("command output", "cmd", name, "output", string(bytes.TrimSpace(out)))
	}
	return err
}

// LookPath reports the path of an executable found in PATH.
func (i *Invoker) LookPath(name string) (string, error) {
	return i.exec.LookPath(name)
}

// Installed reports whether name is found in PATH.
func (i *Invoker) Installed(name string) bool {
	_, err := i.LookPath(name)
	return err == nil
}

func newCommandError(cmd, dir string, err error) *CommandError {
	cmdErr := &CommandError{
		Cmd:        cmd,
		Dir:        dir,
		ExitStatus: -1,
		Err:        err,
	}

	var exitErr exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitStatus = exitErr.ExitStatus()
	}

	var wrapper *exec.ExitErrorWrapper
	if errors.As(err, &wrapper) && wrapper.ExitError != nil {
		cmdErr.Stderr = strings.TrimSpace(string(wrapper.Stderr))
	}

	return cmdErr
}
