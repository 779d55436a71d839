// Package qmp implements a minimal synchronous client for the QEMU machine
// protocol: a greeting handshake followed by JSON request/response exchanges
// over a stream connection.
//
// The client is strictly request/response; asynchronous events arriving
// between responses are discarded. All commands block until the peer answers
// or the connection fails.
package qmp

import (
	"encoding/json"
	"fmt"
	"io"

	"qemuval/pkg/logging"
)

// CommandError is a protocol-level error returned by the peer for a command.
type CommandError struct {
	Class string
	Desc  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

// Client speaks the monitor protocol over a stream connection. It is not safe
// for concurrent use; qemuval issues monitor commands strictly one at a time.
type Client struct {
	conn io.ReadWriteCloser
	dec  *json.Decoder
	enc  *json.Encoder
}

// Open performs the protocol handshake on an established connection: it reads
// the greeting and negotiates capabilities.
func Open(conn io.ReadWriteCloser) (*Client, error) {
	c := &Client{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
	}

	var greeting map[string]interface{}
	if err := c.dec.Decode(&greeting); err != nil {
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if _, ok := greeting["QMP"]; !ok {
		return nil, fmt.Errorf("unexpected greeting: %v", greeting)
	}

	if _, err := c.Execute("qmp_capabilities", nil); err != nil {
		return nil, fmt.Errorf("negotiating capabilities: %w", err)
	}
	return c, nil
}

// Execute runs a named command with optional arguments and returns its
// result.
func (c *Client) Execute(command string, arguments map[string]interface{}) (interface{}, error) {
	request := map[string]interface{}{"execute": command}
	if len(arguments) > 0 {
		request["arguments"] = arguments
	}
	return c.ExecuteObj(request)
}

// ExecuteObj sends a pre-built command object, e.g. a rendered qmp payload
// from a specification, and returns the result.
func (c *Client) ExecuteObj(request map[string]interface{}) (interface{}, error) {
	logging.Debug("QMP", "-> %v", request)
	if err := c.enc.Encode(request); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}

	for {
		var response map[string]interface{}
		if err := c.dec.Decode(&response); err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if _, ok := response["event"]; ok {
			logging.Debug("QMP", "discarding event: %v", response["event"])
			continue
		}
		if errObj, ok := response["error"].(map[string]interface{}); ok {
			cmdErr := &CommandError{}
			cmdErr.Class, _ = errObj["class"].(string)
			cmdErr.Desc, _ = errObj["desc"].(string)
			return nil, cmdErr
		}
		if result, ok := response["return"]; ok {
			logging.Debug("QMP", "<- %v", result)
			return result, nil
		}
		return nil, fmt.Errorf("malformed response: %v", response)
	}
}

// HumanMonitorCommand runs a human-readable monitor command and returns its
// text output.
func (c *Client) HumanMonitorCommand(commandLine string) (string, error) {
	result, err := c.Execute("human-monitor-command", map[string]interface{}{
		"command-line": commandLine,
	})
	if err != nil {
		return "", err
	}
	text, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("human-monitor-command returned %T, want string", result)
	}
	return text, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
