//go:build unit

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/buildvm/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/buildvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/buildvm/pkg/buildvm"
	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

var errFake = errors.New("fake error")

// fakeController implements the calls the commands make.
type fakeController struct {
	buildvm.Controller

	provisioned []bool
	snapshots   []string
	instanceID  string
	report      buildvm.CleanupReport
	sshErr      error
	closed      int
}

func (c *fakeController) Name() string               { return "builder_default" }
func (c *fakeController) Provider() buildvm.Provider { return buildvm.ProviderVirtualBox }
func (c *fakeController) InstanceID() string         { return c.instanceID }
func (c *fakeController) InstanceIDOkay() bool       { return c.instanceID != "" }

func (c *fakeController) Up(provision bool) error {
	c.provisioned = append(c.provisioned, provision)
	return nil
}

func (c *fakeController) Halt() error { return nil }

func (c *fakeController) Destroy() buildvm.CleanupReport { return c.report }

func (c *fakeController) SSHInfo() (*sshconfig.Info, error) {
	if c.sshErr != nil {
		return nil, c.sshErr
	}
	return &sshconfig.Info{Hostname: "127.0.0.1", Port: 2222, User: "vagrant", IdentityFile: "/builder/private_key"}, nil
}

func (c *fakeController) SnapshotList() ([]string, error) { return c.snapshots, nil }

func (c *fakeController) SnapshotExists(name string) bool {
	for _, s := range c.snapshots {
		if s == name {
			return true
		}
	}
	return false
}

func (c *fakeController) Close() error {
	c.closed++
	return nil
}

type fakePackager struct {
	*fakeController

	output    string
	keepFiles bool
}

func (p *fakePackager) Package(output string, keepFiles bool) error {
	p.output, p.keepFiles = output, keepFiles
	return nil
}

// fakeRemote records the calls made on the build VM.
type fakeRemote struct {
	calls    []string
	cmd      []string
	ctx      context.Context
	timeout  time.Duration
	awaitErr error
}

func (r *fakeRemote) AwaitServer(ctx context.Context, timeout, _ time.Duration) error {
	r.calls = append(r.calls, "await")
	r.ctx, r.timeout = ctx, timeout
	return r.awaitErr
}

func (r *fakeRemote) Run(_ execcontext.Context, cmd ...string) (string, string, error) {
	r.calls = append(r.calls, "run")
	r.cmd = cmd
	return "Linux buildserver\n", "", nil
}

type result struct {
	stdout string
	stderr string
	err    error
}

func newTestApp(t *testing.T, c buildvm.Controller) (*app, *[]int) {
	t.Helper()

	codes := &[]int{}
	a := newApp(gracefulshutdown.NewWithExit(Name, func(code int) { *codes = append(*codes, code) }))
	a.newController = func() (buildvm.Controller, error) { return c, nil }

	return a, codes
}

func execute(a *app, args ...string) result {
	root := a.rootCmd()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()

	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestUp(t *testing.T) {
	c := &fakeController{}
	a, _ := newTestApp(t, c)

	require.NoError(t, execute(a, "up").err)
	require.NoError(t, execute(a, "up", "--no-provision").err)

	assert.Equal(t, []bool{true, false}, c.provisioned)
}

func TestSSHInfo(t *testing.T) {
	t.Run("prints json", func(t *testing.T) {
		a, _ := newTestApp(t, &fakeController{})

		res := execute(a, "ssh-info")
		require.NoError(t, res.err)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &got))
		assert.Equal(t, map[string]any{
			"hostname": "127.0.0.1",
			"port":     float64(2222),
			"user":     "vagrant",
			"idfile":   "/builder/private_key",
		}, got)
	})

	t.Run("returns the controller error", func(t *testing.T) {
		a, _ := newTestApp(t, &fakeController{sshErr: sshconfig.ErrMissingKey})

		res := execute(a, "ssh-info")

		assert.ErrorIs(t, res.err, sshconfig.ErrMissingKey)
		assert.Empty(t, res.stdout)
	})
}

func TestDestroy_NeverFails(t *testing.T) {
	c := &fakeController{report: buildvm.CleanupReport{
		{Name: "vagrant destroy", Err: errFake},
		{Name: "remove vagrant state"},
	}}
	a, _ := newTestApp(t, c)

	res := execute(a, "destroy")

	require.NoError(t, res.err)
	assert.Contains(t, res.stderr, "warning: vagrant destroy failed: fake error")
	assert.NotContains(t, res.stderr, "remove vagrant state")
}

func TestPackage(t *testing.T) {
	t.Run("unsupported provider", func(t *testing.T) {
		a, _ := newTestApp(t, &fakeController{})

		assert.ErrorIs(t, execute(a, "package").err, errPackageUnsupported)
	})

	t.Run("passes flags", func(t *testing.T) {
		p := &fakePackager{fakeController: &fakeController{}}
		a, _ := newTestApp(t, p)

		require.NoError(t, execute(a, "package", "--output", "/tmp/out.box", "--keep-files").err)

		assert.Equal(t, "/tmp/out.box", p.output)
		assert.True(t, p.keepFiles)
	})
}

func TestSnapshot(t *testing.T) {
	c := &fakeController{snapshots: []string{"fdroidclean", "before-upgrade"}}
	a, _ := newTestApp(t, c)

	res := execute(a, "snapshot", "list")
	require.NoError(t, res.err)
	assert.Equal(t, "fdroidclean\nbefore-upgrade\n", res.stdout)

	assert.NoError(t, execute(a, "snapshot", "exists", "fdroidclean").err)
	assert.ErrorIs(t, execute(a, "snapshot", "exists", "absent").err, errFalse)
}

func TestUUIDOkay(t *testing.T) {
	a, _ := newTestApp(t, &fakeController{})
	assert.ErrorIs(t, execute(a, "uuid-okay").err, errFalse)

	a, _ = newTestApp(t, &fakeController{instanceID: "0f5f6e3a"})
	res := execute(a, "uuid-okay")
	require.NoError(t, res.err)
	assert.Equal(t, "0f5f6e3a\n", res.stdout)
}

func TestExec(t *testing.T) {
	t.Run("waits for the ssh server then runs", func(t *testing.T) {
		remote := &fakeRemote{}
		a, _ := newTestApp(t, &fakeController{})
		var gotInfo *sshconfig.Info
		a.newRemote = func(info *sshconfig.Info) (ssh.Remote, error) {
			gotInfo = info
			return remote, nil
		}

		res := execute(a, "exec", "--", "uname", "-a")

		require.NoError(t, res.err)
		assert.Equal(t, []string{"await", "run"}, remote.calls)
		assert.Equal(t, sshAwaitTimeout, remote.timeout)
		assert.True(t, remote.ctx == a.gs.Context())
		assert.Equal(t, []string{"uname", "-a"}, remote.cmd)
		assert.Equal(t, 2222, gotInfo.Port)
		assert.Equal(t, "Linux buildserver\n", res.stdout)
	})

	t.Run("ssh server never comes up", func(t *testing.T) {
		remote := &fakeRemote{awaitErr: ssh.ErrAwaitTimeout}
		a, _ := newTestApp(t, &fakeController{})
		a.newRemote = func(*sshconfig.Info) (ssh.Remote, error) { return remote, nil }

		res := execute(a, "exec", "--", "uname", "-a")

		assert.ErrorIs(t, res.err, ssh.ErrAwaitTimeout)
		assert.Equal(t, []string{"await"}, remote.calls)
		assert.Empty(t, res.stdout)
	})
}

func TestFlagsOverrideConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "buildvm.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("dir: /from/file\nprovider: libvirt\n"), 0o600))
	a, _ := newTestApp(t, &fakeController{})

	require.NoError(t, execute(a, "--config", configPath, "--dir", "/from/flag", "--provider", "virtualbox", "halt").err)

	assert.Equal(t, "/from/flag", a.cfg.Dir)
	assert.Equal(t, "virtualbox", a.cfg.Provider)
}

func TestUnsupportedProviderFallsThroughToDetection(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "builder")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, buildvm.VagrantfileName), []byte("Vagrant.configure(\"2\")\n"), 0o644))

	fe := &testingexec.FakeExec{
		LookPathFunc: func(file string) (string, error) {
			if file == "VBoxHeadless" {
				return "/usr/bin/VBoxHeadless", nil
			}
			return "", exec.ErrExecutableNotFound
		},
	}

	var codes []int
	a := newApp(gracefulshutdown.NewWithExit(Name, func(code int) { codes = append(codes, code) }))
	a.selectorOptions = []buildvm.SelectorOption{
		buildvm.WithSelectorInvoker(invoker.New(invoker.WithExec(fe))),
	}
	var selected buildvm.Controller
	a.newController = func() (buildvm.Controller, error) {
		c, err := a.selectController()
		selected = c
		return c, err
	}

	res := execute(a, "--dir", dir, "--provider", "hyperv", "uuid-okay")

	assert.ErrorIs(t, res.err, errFalse)
	require.NotNil(t, selected)
	assert.Equal(t, buildvm.ProviderVirtualBox, selected.Provider())
	assert.Equal(t, "hyperv", a.cfg.Provider)
	assert.Contains(t, res.stderr, "build VM provider not supported")
	assert.Zero(t, fe.CommandCalls)
	assert.Empty(t, codes)
}

func TestControllerError(t *testing.T) {
	a, _ := newTestApp(t, nil)
	a.newController = func() (buildvm.Controller, error) { return nil, buildvm.ErrServerDirMissing }

	assert.ErrorIs(t, execute(a, "up").err, buildvm.ErrServerDirMissing)
}

func TestShutdown_ClosesControllerAndWritesMetrics(t *testing.T) {
	dir := t.TempDir()
	textfile := filepath.Join(dir, "buildvm.prom")
	configPath := filepath.Join(dir, "buildvm.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("metricsTextfile: "+textfile+"\n"), 0o600))
	c := &fakeController{}
	a, codes := newTestApp(t, c)

	require.NoError(t, execute(a, "--config", configPath, "up").err)
	a.gs.Shutdown(0)

	assert.Equal(t, 1, c.closed)
	assert.FileExists(t, textfile)
	assert.Equal(t, []int{0}, *codes)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errFalse))
	assert.Equal(t, 1, exitCode(errFake))
}
