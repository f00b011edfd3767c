package buildvm

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// instanceIDReader recovers the instance id from one historical layout of
// vagrant's state. ok is false when the layout is absent or unreadable.
type instanceIDReader struct {
	format string
	read   func(dir string, p Provider) (id string, ok bool)
}

// instanceIDReaders are tried in order; the first hit wins.
var instanceIDReaders = []instanceIDReader{
	{format: "active-file", read: readActiveFile},
	{format: "machine-id", read: readMachineID},
}

// readInstanceID returns the instance id of the machine in dir, or "".
// It never fails.
func readInstanceID(dir string, p Provider) string {
	for _, r := range instanceIDReaders {
		if id, ok := r.read(dir, p); ok {
			slog.Debug("read vm instance id", "dir", dir, "format", r.format, "id", id)
			return id
		}
	}
	slog.Debug("vm instance id is unset", "dir", dir)
	return ""
}

// readActiveFile reads the vagrant 1.0 layout: ".vagrant" is a JSON file
// holding {"active": {"default": "<id>"}}.
func readActiveFile(dir string, _ Provider) (string, bool) {
	path := filepath.Join(dir, stateDirName)
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("cannot read vagrant state file", "path", path, "error", err.Error())
		return "", false
	}

	var state struct {
		Active struct {
			Default *string `json:"default"`
		} `json:"active"`
	}
	if err := json.Unmarshal(b, &state); err != nil {
		slog.Debug("cannot parse vagrant state file", "path", path, "error", err.Error())
		return "", false
	}
	if state.Active.Default == nil {
		return "", false
	}

	return *state.Active.Default, true
}

// readMachineID reads the vagrant 1.1+ layout: the raw id is stored in
// ".vagrant/machines/default/<provider>/id".
func readMachineID(dir string, p Provider) (string, bool) {
	path := filepath.Join(machineDir(dir, p), "id")
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("cannot read vagrant machine id", "path", path, "error", err.Error())
		return "", false
	}

	return string(b), true
}

func machineDir(dir string, p Provider) string {
	return filepath.Join(dir, stateDirName, "machines", "default", string(p))
}

// hasMachineState reports whether vagrant left state for provider p in dir.
func hasMachineState(dir string, p Provider) bool {
	entries, err := os.ReadDir(machineDir(dir, p))
	return err == nil && len(entries) > 0
}
