package state_machine

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// maxArrayIndex bounds how far a qset may extend an array with nulls
const maxArrayIndex = 1 << 16

// JSONStateMachine is an in-memory store of JSON documents keyed by string that implements the StateMachine
// interface. Documents are held in their generic form (map[string]any, []any, scalars).
type JSONStateMachine struct {
	mu    sync.RWMutex
	store map[string]any
	id    string // Server ID for logging
}

// NewJSONStateMachine creates a new empty document store
func NewJSONStateMachine(serverID string) *JSONStateMachine {
	return &JSONStateMachine{
		store: make(map[string]any),
		id:    serverID,
	}
}

// Apply decodes a Command and executes it. Malformed commands produce an error Response instead of failing, since
// the entry is already committed and every server must produce the same outcome for it.
func (sm *JSONStateMachine) Apply(command []byte) []byte {
	var cmd Command
	if err := json.Unmarshal(command, &cmd); err != nil {
		return encodeResponse(errorResponse("invalid command: %v", err))
	}

	cmd.Op = strings.ToLower(cmd.Op)
	if cmd.Op != OpPing && cmd.Key == "" {
		return encodeResponse(errorResponse("missing key for %s", cmd.Op))
	}

	var resp *Response
	switch cmd.Op {
	case OpSet:
		resp = sm.set(cmd.Key, cmd.Value)
	case OpGet:
		resp = sm.get(cmd.Key)
	case OpDelete:
		resp = sm.delete(cmd.Key)
	case OpMerge:
		resp = sm.merge(cmd.Key, cmd.Value)
	case OpQSet:
		resp = sm.qset(cmd.Key, cmd.Path, cmd.Value)
	case OpQGet:
		resp = sm.qget(cmd.Key, cmd.Query)
	case OpPing:
		resp = &Response{Status: StatusPong}
	default:
		log.Printf("[KV-SM-%s] Unknown command: %s", sm.id, cmd.Op)
		resp = errorResponse("unknown operation %q", cmd.Op)
	}
	return encodeResponse(resp)
}

func (sm *JSONStateMachine) set(key string, raw json.RawMessage) *Response {
	value, err := parseValue(raw)
	if err != nil {
		return errorResponse("%v", err)
	}

	sm.mu.Lock()
	sm.store[key] = value
	sm.mu.Unlock()

	log.Printf("[KV-SM-%s] Applied SET: %s", sm.id, key)
	return &Response{Status: StatusOK}
}

func (sm *JSONStateMachine) get(key string) *Response {
	sm.mu.RLock()
	value, ok := sm.store[key]
	sm.mu.RUnlock()

	if !ok {
		return &Response{Status: StatusOK}
	}
	return okResponse(value)
}

func (sm *JSONStateMachine) delete(key string) *Response {
	sm.mu.Lock()
	_, ok := sm.store[key]
	delete(sm.store, key)
	sm.mu.Unlock()

	if !ok {
		return errorResponse("key not found")
	}
	log.Printf("[KV-SM-%s] Applied DEL: %s", sm.id, key)
	return &Response{Status: StatusOK}
}

func (sm *JSONStateMachine) merge(key string, raw json.RawMessage) *Response {
	value, err := parseValue(raw)
	if err != nil {
		return errorResponse("%v", err)
	}

	sm.mu.Lock()
	if existing, ok := sm.store[key]; ok {
		value = mergeValues(existing, value)
	}
	sm.store[key] = value
	sm.mu.Unlock()

	log.Printf("[KV-SM-%s] Applied MERGE: %s", sm.id, key)
	return &Response{Status: StatusOK}
}

func (sm *JSONStateMachine) qset(key, path string, raw json.RawMessage) *Response {
	value, err := parseValue(raw)
	if err != nil {
		return errorResponse("%v", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	existing, ok := sm.store[key]
	if !ok {
		existing = map[string]any{}
	}

	// Work on a copy so a failing path leaves the document untouched
	updated, err := setPath(deepCopy(existing), splitPath(path), value)
	if err != nil {
		return errorResponse("JSONPath set error: %v", err)
	}
	sm.store[key] = updated

	log.Printf("[KV-SM-%s] Applied QSET: %s at %q", sm.id, key, path)
	return &Response{Status: StatusOK}
}

func (sm *JSONStateMachine) qget(key, query string) *Response {
	expr, err := jp.ParseString(query)
	if err != nil {
		return errorResponse("JSONPath query error: %v", err)
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	value, ok := sm.store[key]
	if !ok {
		return errorResponse("key not found")
	}

	results := expr.Get(value)
	switch len(results) {
	case 0:
		return okResponse(nil)
	case 1:
		return okResponse(results[0])
	default:
		return okResponse(results)
	}
}

// Get returns the document stored under key
func (sm *JSONStateMachine) Get(key string) (any, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	value, ok := sm.store[key]
	return value, ok
}

// Len returns the number of stored documents
func (sm *JSONStateMachine) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.store)
}

// Snapshot serializes the whole store as a single JSON object
func (sm *JSONStateMachine) Snapshot() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	data, err := json.Marshal(sm.store)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize store: %w", err)
	}
	return data, nil
}

// Restore replaces the store with the content of a snapshot
func (sm *JSONStateMachine) Restore(snapshot []byte) error {
	store := make(map[string]any)
	if len(snapshot) > 0 {
		parsed, err := oj.Parse(snapshot)
		if err != nil {
			return fmt.Errorf("failed to parse snapshot: %w", err)
		}
		obj, ok := parsed.(map[string]any)
		if !ok {
			return fmt.Errorf("snapshot is not a JSON object")
		}
		store = obj
	}

	sm.mu.Lock()
	sm.store = store
	sm.mu.Unlock()

	log.Printf("[KV-SM-%s] Restored %d keys from snapshot", sm.id, len(store))
	return nil
}

func parseValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	value, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON value: %w", err)
	}
	return value, nil
}

// mergeValues merges objects key by key (recursively), concatenates arrays and otherwise lets the new value win
func mergeValues(existing, value any) any {
	switch newValue := value.(type) {
	case map[string]any:
		existingObj, ok := existing.(map[string]any)
		if !ok {
			return value
		}
		merged := make(map[string]any, len(existingObj)+len(newValue))
		for k, v := range existingObj {
			merged[k] = v
		}
		for k, v := range newValue {
			if old, ok := merged[k]; ok {
				merged[k] = mergeValues(old, v)
			} else {
				merged[k] = v
			}
		}
		return merged
	case []any:
		existingArr, ok := existing.([]any)
		if !ok {
			return value
		}
		merged := make([]any, 0, len(existingArr)+len(newValue))
		merged = append(merged, existingArr...)
		return append(merged, newValue...)
	default:
		return value
	}
}

// splitPath turns "$.a.b", ".a.b" or "a.b" into [a b]. The root path yields no parts.
func splitPath(path string) []string {
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// setPath returns current with value stored at the given path. Missing objects along the path are created and
// arrays are extended with nulls.
func setPath(current any, parts []string, value any) (any, error) {
	if len(parts) == 0 {
		return value, nil
	}
	part, rest := parts[0], parts[1:]

	if index, err := strconv.Atoi(part); err == nil && index >= 0 {
		arr, ok := current.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot index non-array value with '%s'", part)
		}
		if index > maxArrayIndex {
			return nil, fmt.Errorf("array index %d out of range", index)
		}
		for len(arr) <= index {
			arr = append(arr, nil)
		}
		child, err := setPath(arr[index], rest, value)
		if err != nil {
			return nil, err
		}
		arr[index] = child
		return arr, nil
	}

	switch node := current.(type) {
	case map[string]any:
		child, ok := node[part]
		if !ok && len(rest) > 0 {
			child = map[string]any{}
		}
		updated, err := setPath(child, rest, value)
		if err != nil {
			return nil, err
		}
		node[part] = updated
		return node, nil
	case nil:
		return setPath(map[string]any{}, parts, value)
	default:
		return nil, fmt.Errorf("cannot access property '%s' on non-object value", part)
	}
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for k, child := range v {
			c[k] = deepCopy(child)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, child := range v {
			c[i] = deepCopy(child)
		}
		return c
	default:
		return v
	}
}

func okResponse(value any) *Response {
	resp := &Response{Status: StatusOK}
	if value == nil {
		resp.Value = json.RawMessage("null")
		return resp
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errorResponse("failed to encode value: %v", err)
	}
	resp.Value = data
	return resp
}

func errorResponse(format string, args ...any) *Response {
	return &Response{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

func encodeResponse(resp *Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// Response only holds strings and already encoded JSON
		return []byte(`{"status":"error","error":"failed to encode response"}`)
	}
	return data
}
