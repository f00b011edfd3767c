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

package main

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/alexandremahdhaoui/buildvm/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/buildvm/internal/util/logging"
	"github.com/alexandremahdhaoui/buildvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/buildvm/pkg/buildvm"
	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// app holds the state shared by the commands of one invocation.
type app struct {
	gs *gracefulshutdown.GracefulShutdown

	flags struct {
		configPath string
		dir        string
		provider   string
		debug      bool
	}

	cfg      *Config
	registry *prometheus.Registry
	selector *buildvm.Selector

	// newController builds the controller of the configured directory.
	newController func() (buildvm.Controller, error)
	// newRemote opens a remote command runner on the build VM.
	newRemote func(info *sshconfig.Info) (ssh.Remote, error)
	// selectorOptions are applied after the ones derived from the configuration.
	selectorOptions []buildvm.SelectorOption

	awaitTimeout  time.Duration
	awaitInterval time.Duration
}

const (
	// A freshly started VM accepts SSH connections some time after vagrant
	// reports it up.
	sshAwaitTimeout  = 2 * time.Minute
	sshAwaitInterval = 2 * time.Second
)

func newApp(gs *gracefulshutdown.GracefulShutdown) *app {
	a := &app{
		gs:            gs,
		awaitTimeout:  sshAwaitTimeout,
		awaitInterval: sshAwaitInterval,
	}
	a.newController = a.selectController
	a.newRemote = func(info *sshconfig.Info) (ssh.Remote, error) {
		return ssh.NewClientFromInfo(info)
	}
	return a
}

// setup loads the configuration and wires logging, metrics and the provider
// selector. It runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	configPath := a.flags.configPath
	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnvKey)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("dir") {
		cfg.Dir = a.flags.dir
	}
	if cmd.Flags().Changed("provider") {
		cfg.Provider = a.flags.provider
	}
	if a.flags.debug {
		cfg.DevelopmentMode = true
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	// --------------------------------------------- Logging -------------------------------------------------------- //

	opts := logging.DefaultOptions()
	opts.Output = cmd.ErrOrStderr()
	if cfg.DevelopmentMode {
		opts.Development = true
		opts.Level = slog.LevelDebug
	}
	log := logging.Setup(opts)
	log.V(1).Info("configuration loaded",
		"dir", cfg.Dir,
		"provider", cfg.Provider,
		"libvirtURI", cfg.LibvirtURI,
		"storagePool", cfg.StoragePool,
	)

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	a.registry = prometheus.NewRegistry()
	metrics, err := buildvm.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	if cfg.MetricsTextfile != "" {
		a.gs.OnShutdown(a.writeMetrics)
	}

	// --------------------------------------------- Selector ------------------------------------------------------- //

	env := map[string]string{}
	if cfg.VagrantHome != "" {
		env["VAGRANT_HOME"] = cfg.VagrantHome
	}
	inv := invoker.New(invoker.WithContext(execcontext.New(env, nil)))

	selectorOpts := []buildvm.SelectorOption{
		buildvm.WithSelectorInvoker(inv),
		buildvm.WithExitFunc(a.gs.Shutdown),
		buildvm.WithControllerOptions(append(cfg.controllerOptions(), buildvm.WithMetrics(metrics))...),
	}
	a.selector = buildvm.NewSelector(append(selectorOpts, a.selectorOptions...)...)

	return nil
}

func (a *app) writeMetrics() {
	if err := prometheus.WriteToTextfile(a.cfg.MetricsTextfile, a.registry); err != nil {
		slog.Warn("cannot write metrics", "path", a.cfg.MetricsTextfile, "error", err.Error())
	}
}

func (a *app) selectController() (buildvm.Controller, error) {
	return a.selector.Select(a.cfg.Dir, a.cfg.Provider)
}

// controller returns the controller of the configured directory. It is
// closed when the process shuts down.
func (a *app) controller() (buildvm.Controller, error) {
	c, err := a.newController()
	if err != nil {
		return nil, err
	}

	a.gs.OnShutdown(func() { a.closeController(c) })

	return c, nil
}

// connect waits until the SSH server of the build VM accepts connections and
// returns a runner on it. A termination signal aborts the wait.
func (a *app) connect(info *sshconfig.Info) (ssh.Remote, error) {
	remote, err := a.newRemote(info)
	if err != nil {
		return nil, err
	}

	slog.Debug("waiting for build VM ssh server", "hostname", info.Hostname, "port", info.Port)
	if err := remote.AwaitServer(a.gs.Context(), a.awaitTimeout, a.awaitInterval); err != nil {
		return nil, err
	}

	return remote, nil
}

func (a *app) closeController(c buildvm.Controller) {
	if err := c.Close(); err != nil {
		slog.Debug("closing build VM controller", "vmName", c.Name(), "error", err.Error())
	}
}

var errPackageUnsupported = errors.New("provider cannot package the build VM into a box")
