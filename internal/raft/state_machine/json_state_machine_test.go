package state_machine

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, sm *JSONStateMachine, cmd Command) *Response {
	t.Helper()

	data, err := cmd.Encode()
	require.NoError(t, err)

	resp, err := DecodeResponse(sm.Apply(data))
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, sm *JSONStateMachine, key string) string {
	t.Helper()

	resp := apply(t, sm, GetCommand(key))
	require.Equal(t, StatusOK, resp.Status)
	return string(resp.Value)
}

func TestNewJSONStateMachine(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	assert.NotNil(t, sm.store)
	assert.Equal(t, "test-server", sm.id)
	assert.Equal(t, 0, sm.Len())
}

func TestJSONStateMachine_SetAndGet(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	resp := apply(t, sm, SetCommand("user", json.RawMessage(`{"name":"test","value":42}`)))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Empty(t, resp.Value)

	assert.JSONEq(t, `{"name":"test","value":42}`, getJSON(t, sm, "user"))

	t.Run("overwrites existing key", func(t *testing.T) {
		apply(t, sm, SetCommand("user", json.RawMessage(`[1,2]`)))
		assert.JSONEq(t, `[1,2]`, getJSON(t, sm, "user"))
	})

	t.Run("stores explicit null", func(t *testing.T) {
		apply(t, sm, SetCommand("nothing", json.RawMessage(`null`)))
		assert.Equal(t, "null", getJSON(t, sm, "nothing"))
		_, ok := sm.Get("nothing")
		assert.True(t, ok)
	})

	t.Run("missing key returns no value", func(t *testing.T) {
		resp := apply(t, sm, GetCommand("absent"))
		assert.Equal(t, StatusOK, resp.Status)
		assert.Empty(t, resp.Value)
	})

	t.Run("rejects missing value", func(t *testing.T) {
		resp := apply(t, sm, Command{Op: OpSet, Key: "k"})
		assert.Equal(t, StatusError, resp.Status)
	})
}

func TestJSONStateMachine_Delete(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	apply(t, sm, SetCommand("k", json.RawMessage(`{"test":true}`)))
	resp := apply(t, sm, DeleteCommand("k"))
	assert.Equal(t, StatusOK, resp.Status)

	resp = apply(t, sm, GetCommand("k"))
	assert.Empty(t, resp.Value)

	resp = apply(t, sm, DeleteCommand("k"))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "key not found", resp.Error)
}

func TestJSONStateMachine_Merge(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	t.Run("set set merge", func(t *testing.T) {
		apply(t, sm, SetCommand("test", json.RawMessage(`{"a":1}`)))
		apply(t, sm, SetCommand("test", json.RawMessage(`{"b":2}`)))
		resp := apply(t, sm, MergeCommand("test", json.RawMessage(`{"c":3}`)))
		assert.Equal(t, StatusOK, resp.Status)

		assert.JSONEq(t, `{"b":2,"c":3}`, getJSON(t, sm, "test"))
	})

	t.Run("merges nested objects", func(t *testing.T) {
		apply(t, sm, SetCommand("cfg", json.RawMessage(`{"db":{"host":"a","port":1},"tags":["x"]}`)))
		apply(t, sm, MergeCommand("cfg", json.RawMessage(`{"db":{"port":2},"tags":["y"],"debug":true}`)))

		assert.JSONEq(t, `{"db":{"host":"a","port":2},"tags":["x","y"],"debug":true}`, getJSON(t, sm, "cfg"))
	})

	t.Run("new value wins on type mismatch", func(t *testing.T) {
		apply(t, sm, SetCommand("mixed", json.RawMessage(`{"a":1}`)))
		apply(t, sm, MergeCommand("mixed", json.RawMessage(`"text"`)))
		assert.JSONEq(t, `"text"`, getJSON(t, sm, "mixed"))
	})

	t.Run("merge into missing key stores value", func(t *testing.T) {
		apply(t, sm, MergeCommand("fresh", json.RawMessage(`{"z":0}`)))
		assert.JSONEq(t, `{"z":0}`, getJSON(t, sm, "fresh"))
	})
}

func TestJSONStateMachine_QSet(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	t.Run("sets nested property", func(t *testing.T) {
		apply(t, sm, SetCommand("k", json.RawMessage(`{"user":{"name":"Alice"}}`)))
		resp := apply(t, sm, QSetCommand("k", "user.age", json.RawMessage(`25`)))
		assert.Equal(t, StatusOK, resp.Status)

		assert.JSONEq(t, `{"user":{"name":"Alice","age":25}}`, getJSON(t, sm, "k"))
	})

	t.Run("creates new key", func(t *testing.T) {
		apply(t, sm, QSetCommand("new", "$.config.timeout", json.RawMessage(`5000`)))
		assert.JSONEq(t, `{"config":{"timeout":5000}}`, getJSON(t, sm, "new"))
	})

	t.Run("extends arrays", func(t *testing.T) {
		apply(t, sm, SetCommand("arr", json.RawMessage(`{"items":[1]}`)))
		apply(t, sm, QSetCommand("arr", "items.3", json.RawMessage(`4`)))
		assert.JSONEq(t, `{"items":[1,null,null,4]}`, getJSON(t, sm, "arr"))
	})

	t.Run("root path replaces document", func(t *testing.T) {
		apply(t, sm, QSetCommand("arr", "$", json.RawMessage(`{"r":1}`)))
		assert.JSONEq(t, `{"r":1}`, getJSON(t, sm, "arr"))
	})

	t.Run("failing path leaves document untouched", func(t *testing.T) {
		apply(t, sm, SetCommand("doc", json.RawMessage(`{"a":{"b":"leaf"},"n":5}`)))

		resp := apply(t, sm, QSetCommand("doc", "a.b.c", json.RawMessage(`1`)))
		assert.Equal(t, StatusError, resp.Status)

		resp = apply(t, sm, QSetCommand("doc", "a.0", json.RawMessage(`1`)))
		assert.Equal(t, StatusError, resp.Status)

		assert.JSONEq(t, `{"a":{"b":"leaf"},"n":5}`, getJSON(t, sm, "doc"))
	})
}

func TestJSONStateMachine_QGet(t *testing.T) {
	sm := NewJSONStateMachine("test-server")
	apply(t, sm, SetCommand("k", json.RawMessage(`{"user":{"name":"Alice","age":30},"tags":["a","b"]}`)))

	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{name: "single result", query: "$.user.name", expected: `"Alice"`},
		{name: "no result", query: "$.user.email", expected: `null`},
		{name: "many results", query: "$.tags[*]", expected: `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := apply(t, sm, QGetCommand("k", tt.query))
			require.Equal(t, StatusOK, resp.Status, resp.Error)
			assert.JSONEq(t, tt.expected, string(resp.Value))
		})
	}

	t.Run("missing key", func(t *testing.T) {
		resp := apply(t, sm, QGetCommand("absent", "$.a"))
		assert.Equal(t, StatusError, resp.Status)
	})

	t.Run("invalid query", func(t *testing.T) {
		resp := apply(t, sm, QGetCommand("k", "$.user["))
		assert.Equal(t, StatusError, resp.Status)
	})
}

func TestJSONStateMachine_PingAndInvalidCommands(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	resp := apply(t, sm, PingCommand())
	assert.Equal(t, StatusPong, resp.Status)
	assert.Equal(t, "PONG", resp.String())

	decoded, err := DecodeResponse(sm.Apply([]byte("not json")))
	require.NoError(t, err)
	assert.Equal(t, StatusError, decoded.Status)

	resp = apply(t, sm, Command{Op: "explode", Key: "k"})
	assert.Equal(t, StatusError, resp.Status)

	resp = apply(t, sm, Command{Op: OpGet})
	assert.Equal(t, StatusError, resp.Status)
}

func TestJSONStateMachine_SnapshotRestore(t *testing.T) {
	sm := NewJSONStateMachine("source")
	apply(t, sm, SetCommand("a", json.RawMessage(`{"x":[1,2]}`)))
	apply(t, sm, SetCommand("b", json.RawMessage(`"str"`)))

	snapshot, err := sm.Snapshot()
	require.NoError(t, err)

	restored := NewJSONStateMachine("target")
	apply(t, restored, SetCommand("stale", json.RawMessage(`1`)))
	require.NoError(t, restored.Restore(snapshot))

	assert.Equal(t, 2, restored.Len())
	assert.JSONEq(t, `{"x":[1,2]}`, getJSON(t, restored, "a"))
	assert.JSONEq(t, `"str"`, getJSON(t, restored, "b"))
	_, ok := restored.Get("stale")
	assert.False(t, ok)

	assert.Error(t, restored.Restore([]byte(`[1]`)))
	require.NoError(t, restored.Restore(nil))
	assert.Equal(t, 0, restored.Len())
}

func TestJSONStateMachine_ConcurrentApply(t *testing.T) {
	sm := NewJSONStateMachine("test-server")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd, _ := QSetCommand("counter", "slots."+string(rune('a'+i)), json.RawMessage(`1`)).Encode()
			sm.Apply(cmd)
		}(i)
	}
	wg.Wait()

	value, ok := sm.Get("counter")
	require.True(t, ok)
	assert.Len(t, value.(map[string]any)["slots"], 10)
}
