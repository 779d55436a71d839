package machine

import (
	"fmt"
	"regexp"
	"strings"

	"qemuval/internal/expand"
	"qemuval/pkg/logging"
)

// monitor is the slice of Machine the introspection queries need.
type monitor interface {
	Command(name string, arguments map[string]interface{}) (interface{}, error)
	HMP(commandLine string) (string, error)
}

// Introspector queries binaries for their supported machine types, devices,
// CPU models and acceleration capabilities by launching them with a monitor
// socket and no guest state. It implements expand.Introspector.
type Introspector struct{}

// introspectArgs keep the binary halted on a bare machine so any target can
// answer the queries.
var introspectArgs = []string{"-S", "-machine", "none,accel=kvm:tcg"}

// Introspect launches the binary, runs the query commands and tears the
// process down again.
func (Introspector) Introspect(binary string) (*expand.BinaryInfo, error) {
	logging.Debug("Machine", "introspecting binary: %s", binary)
	m := New(binary, introspectArgs, true)
	if err := m.Launch(); err != nil {
		return nil, err
	}
	defer m.Shutdown()
	return queryBinaryInfo(m)
}

// queryBinaryInfo gathers a BinaryInfo over an established monitor.
func queryBinaryInfo(mon monitor) (*expand.BinaryInfo, error) {
	allDevices, err := qomTypeNames(mon, map[string]interface{}{
		"implements": "device",
		"abstract":   false,
	})
	if err != nil {
		return nil, err
	}

	// DeviceClass::user_creatable is not visible through the structured
	// protocol, so the no-user set comes from 'info qdm'
	qdm, err := mon.HMP("info qdm")
	if err != nil {
		return nil, err
	}
	noUser := make(map[string]bool)
	for _, dev := range parseInfoQDM(qdm) {
		if dev.NoUser {
			noUser[dev.Name] = true
		}
	}
	var userDevices []string
	for _, dev := range allDevices {
		if !noUser[dev] {
			userDevices = append(userDevices, dev)
		}
	}

	machines, err := namedList(mon, "query-machines")
	if err != nil {
		return nil, err
	}
	cpuModels, err := namedList(mon, "query-cpu-definitions")
	if err != nil {
		return nil, err
	}

	kvm, err := mon.Command("query-kvm", nil)
	if err != nil {
		return nil, err
	}
	kvmInfo, ok := kvm.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("query-kvm returned %T, want mapping", kvm)
	}
	enabled, _ := kvmInfo["enabled"].(bool)

	return &expand.BinaryInfo{
		Machines:     machines,
		UserDevices:  userDevices,
		CPUModels:    cpuModels,
		KVMAvailable: enabled,
	}, nil
}

// qomTypeNames runs qom-list-types and returns the type names.
func qomTypeNames(mon monitor, arguments map[string]interface{}) ([]string, error) {
	result, err := mon.Command("qom-list-types", arguments)
	if err != nil {
		return nil, err
	}
	return extractNames("qom-list-types", result)
}

// namedList runs a query command whose result is a list of {"name": ...}
// objects and returns the names.
func namedList(mon monitor, command string) ([]string, error) {
	result, err := mon.Command(command, nil)
	if err != nil {
		return nil, err
	}
	return extractNames(command, result)
}

func extractNames(command string, result interface{}) ([]string, error) {
	items, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want list", command, result)
	}
	var names []string
	for _, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := entry["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// qdmDevice is one parsed 'info qdm' entry.
type qdmDevice struct {
	Name   string
	NoUser bool
}

var qdmNamePattern = regexp.MustCompile(`name "([^"]+)"`)

// parseInfoQDM parses 'info qdm' output. Section headers and blank lines are
// skipped.
func parseInfoQDM(output string) []qdmDevice {
	var devices []qdmDevice
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		match := qdmNamePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		devices = append(devices, qdmDevice{
			Name:   match[1],
			NoUser: strings.Contains(line, ", no-user"),
		})
	}
	return devices
}
