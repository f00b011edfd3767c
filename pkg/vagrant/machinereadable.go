package vagrant

import (
	"bufio"
	"bytes"
	"strings"
)

// Record is one line of vagrant's --machine-readable output:
// timestamp,target,type,data...
type Record struct {
	Timestamp string
	Target    string
	Type      string
	Data      []string
}

// MachineStatus is the state vagrant reports for one machine.
type MachineStatus struct {
	Name     string
	State    string
	Provider string
}

// Box is one entry of `vagrant box list`.
type Box struct {
	Name     string
	Provider string
	Version  string
}

var dataReplacer = strings.NewReplacer(
	"%!(VAGRANT_COMMA)", ",",
	`\n`, "\n",
	`\r`, "\r",
)

// ParseMachineReadable splits machine-readable output into records.
// Malformed lines are skipped.
func ParseMachineReadable(out []byte) []Record {
	var records []Record

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Split(strings.TrimRight(scanner.Text(), "\r"), ",")
		if len(fields) < 3 {
			continue
		}

		data := make([]string, 0, len(fields)-3)
		for _, f := range fields[3:] {
			data = append(data, dataReplacer.Replace(f))
		}

		records = append(records, Record{
			Timestamp: fields[0],
			Target:    fields[1],
			Type:      fields[2],
			Data:      data,
		})
	}

	return records
}

func parseStatus(records []Record) []MachineStatus {
	var (
		out   []MachineStatus
		index = map[string]int{}
	)

	for _, r := range records {
		if r.Target == "" || len(r.Data) == 0 {
			continue
		}

		i, ok := index[r.Target]
		if !ok {
			i = len(out)
			index[r.Target] = i
			out = append(out, MachineStatus{Name: r.Target})
		}

		switch r.Type {
		case "state":
			out[i].State = r.Data[0]
		case "provider-name":
			out[i].Provider = r.Data[0]
		}
	}

	return out
}

// parseBoxList relies on vagrant printing box-name before its provider and version.
func parseBoxList(records []Record) []Box {
	var out []Box

	for _, r := range records {
		if len(r.Data) == 0 {
			continue
		}

		switch r.Type {
		case "box-name":
			out = append(out, Box{Name: r.Data[0]})
		case "box-provider":
			if len(out) > 0 {
				out[len(out)-1].Provider = r.Data[0]
			}
		case "box-version":
			if len(out) > 0 {
				out[len(out)-1].Version = r.Data[0]
			}
		}
	}

	return out
}
