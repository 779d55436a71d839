package spec

import "fmt"

// CommandKind discriminates the two monitor command flavors.
type CommandKind string

const (
	// KindQMP is a structured-protocol command with a mapping payload.
	KindQMP CommandKind = "qmp"
	// KindHMP is a human-readable monitor command string.
	KindHMP CommandKind = "hmp"
)

// MonitorCommand is one concrete monitor command to issue: either a QMP
// mapping payload or an HMP command string.
type MonitorCommand struct {
	Kind    CommandKind
	Payload interface{}
}

// FlattenMonitorCommands converts a rendered monitor-command entry into the
// flat sequence of tagged commands it denotes, recursively flattening
// list-valued entries. QMP payloads must be mappings, HMP payloads strings.
func FlattenMonitorCommands(entry interface{}) ([]MonitorCommand, error) {
	switch v := entry.(type) {
	case []interface{}:
		var out []MonitorCommand
		for _, item := range v {
			cmds, err := FlattenMonitorCommands(item)
			if err != nil {
				return nil, err
			}
			out = append(out, cmds...)
		}
		return out, nil
	case map[string]interface{}:
		var out []MonitorCommand
		if payload, ok := v["qmp"]; ok {
			cmds, err := flattenPayload(KindQMP, payload)
			if err != nil {
				return nil, err
			}
			out = append(out, cmds...)
		}
		if payload, ok := v["hmp"]; ok {
			cmds, err := flattenPayload(KindHMP, payload)
			if err != nil {
				return nil, err
			}
			out = append(out, cmds...)
		}
		for key := range v {
			if key != "qmp" && key != "hmp" {
				return nil, &InvalidSpecificationError{
					Reason: fmt.Sprintf("unknown monitor command key %q", key),
				}
			}
		}
		return out, nil
	default:
		return nil, &InvalidSpecificationError{
			Reason: fmt.Sprintf("monitor command entry must be a mapping, got %T", entry),
		}
	}
}

// flattenPayload expands one qmp/hmp payload, which may itself be a list.
func flattenPayload(kind CommandKind, payload interface{}) ([]MonitorCommand, error) {
	switch v := payload.(type) {
	case []interface{}:
		var out []MonitorCommand
		for _, item := range v {
			cmds, err := flattenPayload(kind, item)
			if err != nil {
				return nil, err
			}
			out = append(out, cmds...)
		}
		return out, nil
	case map[string]interface{}:
		if kind != KindQMP {
			return nil, &InvalidSpecificationError{
				Reason: fmt.Sprintf("%s command must be a string, got mapping", kind),
			}
		}
		return []MonitorCommand{{Kind: kind, Payload: v}}, nil
	case string:
		if kind != KindHMP {
			return nil, &InvalidSpecificationError{
				Reason: fmt.Sprintf("%s command must be a mapping, got %q", kind, v),
			}
		}
		return []MonitorCommand{{Kind: kind, Payload: v}}, nil
	default:
		return nil, &InvalidSpecificationError{
			Reason: fmt.Sprintf("unsupported %s payload type %T", kind, payload),
		}
	}
}
