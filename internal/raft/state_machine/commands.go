package state_machine

import (
	"encoding/json"
	"fmt"
)

// Operations understood by the JSONStateMachine
const (
	OpSet    = "set"
	OpGet    = "get"
	OpDelete = "delete"
	OpMerge  = "merge"
	OpQSet   = "qset"
	OpQGet   = "qget"
	OpPing   = "ping"
)

// Response statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusPong  = "pong"
)

// Command is the payload carried by a log entry
type Command struct {
	Op    string          `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Path  string          `json:"path,omitempty"`
	Query string          `json:"query,omitempty"`
}

// Response is the result of applying a Command. Value is omitted when the operation has nothing to return.
type Response struct {
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *Response) String() string {
	switch {
	case r.Status == StatusError:
		return "ERROR " + r.Error
	case r.Status == StatusPong:
		return "PONG"
	case len(r.Value) > 0:
		return "OK " + string(r.Value)
	default:
		return "OK"
	}
}

func SetCommand(key string, value json.RawMessage) Command {
	return Command{Op: OpSet, Key: key, Value: value}
}

func GetCommand(key string) Command {
	return Command{Op: OpGet, Key: key}
}

func DeleteCommand(key string) Command {
	return Command{Op: OpDelete, Key: key}
}

func MergeCommand(key string, value json.RawMessage) Command {
	return Command{Op: OpMerge, Key: key, Value: value}
}

func QSetCommand(key, path string, value json.RawMessage) Command {
	return Command{Op: OpQSet, Key: key, Path: path, Value: value}
}

func QGetCommand(key, query string) Command {
	return Command{Op: OpQGet, Key: key, Query: query}
}

func PingCommand() Command {
	return Command{Op: OpPing}
}

// Encode serializes the command so it can be submitted to the cluster
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", c.Op, err)
	}
	return data, nil
}

// DecodeResponse parses the result returned by Apply
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
