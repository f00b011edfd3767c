package buildvm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
)

const defaultVagrantfile = `# generated file, do not change.

Vagrant.configure("2") do |config|
    config.vm.box = "buildserver"
    config.vm.synced_folder ".", "/vagrant", disabled: true
end
`

var (
	errPrepareDir        = errors.New("failed to prepare build VM directory")
	errWriteVagrantfile  = errors.New("failed to write default Vagrantfile")
	errStartCleanBuilder = errors.New("failed to start clean build VM")
)

// EnsureVagrantfile creates dir when missing, replacing a dangling symlink,
// and writes the default Vagrantfile when dir has none.
func EnsureVagrantfile(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if fi, lerr := os.Lstat(dir); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			slog.Debug("removing dangling symlink", "path", dir)
			if err := os.Remove(dir); err != nil {
				return errors.Join(err, fmt.Errorf("dir=%s", dir), errPrepareDir)
			}
		}
		slog.Info("build VM directory does not exist, creating it", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Join(err, fmt.Errorf("dir=%s", dir), errPrepareDir)
		}
	}

	path := filepath.Join(dir, VagrantfileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return errors.Join(err, fmt.Errorf("path=%s", path), errWriteVagrantfile)
	}

	if err := os.WriteFile(path, []byte(defaultVagrantfile), 0o644); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), errWriteVagrantfile)
	}
	return nil
}

// SSHInfoWithRecovery returns the ssh info of a VM that was just brought up.
// If vagrant fails to report it, the VM is halted and brought up again, then
// the ssh info is fetched once more. Parse errors are returned as is.
func SSHInfoWithRecovery(c Controller) (*sshconfig.Info, error) {
	info, err := c.SSHInfo()
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, ErrLifecycle) {
		return nil, err
	}

	slog.Info("ssh info unavailable, restarting build VM", "vmName", c.Name(), "error", err.Error())
	if err := c.Halt(); err != nil {
		return nil, err
	}
	if err := c.Up(true); err != nil {
		return nil, err
	}

	return c.SSHInfo()
}

// StartCleanBuilder destroys whatever build VM dir holds, brings a fresh one
// up and returns it with its ssh info.
func StartCleanBuilder(sel *Selector, dir, provider string) (Controller, *sshconfig.Info, error) {
	if err := EnsureVagrantfile(dir); err != nil {
		return nil, nil, errors.Join(err, errStartCleanBuilder)
	}

	c, err := sel.Select(dir, provider)
	if err != nil {
		return nil, nil, errors.Join(err, errStartCleanBuilder)
	}

	slog.Info("destroying build VM before build", "vmName", c.Name())
	if failed := c.Destroy().Failed(); len(failed) > 0 {
		slog.Debug("build VM teardown was partial", "vmName", c.Name(), "failedSteps", len(failed))
	}

	slog.Info("starting build VM", "vmName", c.Name())
	if err := c.Up(true); err != nil {
		_ = c.Close()
		return nil, nil, errors.Join(err, errStartCleanBuilder)
	}

	info, err := SSHInfoWithRecovery(c)
	if err != nil {
		_ = c.Close()
		return nil, nil, errors.Join(err, errStartCleanBuilder)
	}

	return c, info, nil
}
