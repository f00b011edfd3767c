//go:build unit

package buildvm

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

// call scripts the outcome of one external command. do runs before the
// command returns, e.g. to emulate files vagrant writes.
type call struct {
	out string
	err error
	do  func()
}

var errExit1 = testingexec.FakeExitError{Status: 1}

type fakeTools struct {
	exec *testingexec.FakeExec
	cmds []*testingexec.FakeCmd
}

func (f *fakeTools) argv(i int) []string {
	return f.cmds[i].Argv
}

// newFakeTools scripts the given calls in order. Tools listed in installed
// are found by LookPath.
func newFakeTools(installed []string, calls ...call) *fakeTools {
	f := &fakeTools{
		exec: &testingexec.FakeExec{
			LookPathFunc: func(file string) (string, error) {
				for _, tool := range installed {
					if tool == file {
						return filepath.Join("/usr/bin", file), nil
					}
				}
				return "", exec.ErrExecutableNotFound
			},
		},
	}

	for _, c := range calls {
		fcmd := &testingexec.FakeCmd{
			OutputScript: []testingexec.FakeAction{
				func() ([]byte, []byte, error) {
					if c.do != nil {
						c.do()
					}
					return []byte(c.out), nil, c.err
				},
			},
		}
		f.cmds = append(f.cmds, fcmd)
		f.exec.CommandScript = append(f.exec.CommandScript, func(cmd string, args ...string) exec.Cmd {
			return testingexec.InitFakeCmd(fcmd, cmd, args...)
		})
	}

	return f
}

func (f *fakeTools) invoker() *invoker.Invoker {
	return invoker.New(invoker.WithExec(f.exec))
}

// newManagedDir returns <tmp>/buildserver holding a Vagrantfile.
func newManagedDir(t *testing.T) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "buildserver")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VagrantfileName), []byte(defaultVagrantfile), 0o644))

	return dir
}

func writeMachineID(t *testing.T, dir string, p Provider, id string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(machineDir(dir, p), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(machineDir(dir, p), "id"), []byte(id), 0o644))
}

// countingLock records how often it was taken.
type countingLock struct {
	mu     sync.Mutex
	locks  int
	unlock int
}

func (l *countingLock) Lock() {
	l.mu.Lock()
	l.locks++
}

func (l *countingLock) Unlock() {
	l.unlock++
	l.mu.Unlock()
}

var errFakeLibvirt = errors.New("fake libvirt error")

// fakeHypervisor is an in-memory Hypervisor.
type fakeHypervisor struct {
	info      *DomainInfo
	infoErr   error
	diskPath  string
	diskErr   error
	volumes   map[string]string
	volumeErr error

	snapshots   []string
	listErr     error
	revertErr   error
	reverted    []string
	closeCalled bool
}

func (h *fakeHypervisor) DomainInfo(string) (*DomainInfo, error) {
	return h.info, h.infoErr
}

func (h *fakeHypervisor) DomainDiskPath(string) (string, error) {
	return h.diskPath, h.diskErr
}

func (h *fakeHypervisor) VolumePath(pool, volume string) (string, error) {
	if h.volumeErr != nil {
		return "", h.volumeErr
	}
	path, ok := h.volumes[pool+"/"+volume]
	if !ok {
		return "", errFakeLibvirt
	}
	return path, nil
}

func (h *fakeHypervisor) ListSnapshots(string) ([]string, error) {
	return h.snapshots, h.listErr
}

func (h *fakeHypervisor) LookupSnapshot(_, name string) error {
	if h.listErr != nil {
		return h.listErr
	}
	for _, s := range h.snapshots {
		if s == name {
			return nil
		}
	}
	return errFakeLibvirt
}

func (h *fakeHypervisor) RevertSnapshot(_, name string) error {
	if h.revertErr != nil {
		return h.revertErr
	}
	h.reverted = append(h.reverted, name)
	return nil
}

func (h *fakeHypervisor) Close() error {
	h.closeCalled = true
	return nil
}
