package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/middleware"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		code int
	}{
		{"malformed json", `{"jsonrpc":"2.0",`, CodeParseError},
		{"empty line", ``, CodeParseError},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, CodeInvalidRequest},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, CodeInvalidRequest},
		{"method not a string", `{"jsonrpc":"2.0","id":1,"method":7}`, CodeInvalidRequest},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"ping"}`, CodeInvalidRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.line))
			require.NotNil(t, err)
			assert.Equal(t, tc.code, err.Code)
		})
	}

	req, err := Parse([]byte(` {"jsonrpc":"2.0","id":"a","method":"tools/list"} `))
	require.Nil(t, err)
	assert.Equal(t, "tools/list", req.Method)
	assert.Equal(t, `"a"`, string(req.ID))
	assert.False(t, req.IsNotification())
}

func newTestDispatcher(t *testing.T, description string) *Dispatcher {
	t.Helper()
	reg, err := toolkit.NewBuilder("context").
		Use(middleware.Validation()).
		Tool("echo", "Echo").
		Param("msg", "string", "", true).
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			return map[string]any{"msg": args["msg"], "trace": call.TraceID()}, nil
		}).
		Tool("boom", "").
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			panic("secret internals")
		}).
		Tool("engine_fail", "").
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			return nil, fmt.Errorf("call: %w", &engine.RPCError{Engine: "git", Method: "tools/call", Code: -32001, Message: "repo missing"})
		}).
		Tool("rpc_fail", "").
		Handle(func(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
			return nil, Errorf(CodeInvalidParams, "bad flag")
		}).
		Build()
	require.NoError(t, err)
	info := toolkit.ServerInfo{Name: "context", Version: "1.0.0", Description: description}
	return New(ServiceTarget(info, reg))
}

func roundTrip(t *testing.T, d *Dispatcher, line string) Response {
	t.Helper()
	out := d.HandleMessage(context.Background(), []byte(line))
	require.NotNil(t, out, "expected a response to %s", line)
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func resultMap(t *testing.T, resp Response) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result %T", resp.Result)
	return m
}

func TestInitialize(t *testing.T) {
	d := newTestDispatcher(t, "")
	res := resultMap(t, roundTrip(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	assert.Equal(t, DefaultProtocolVersion, res["protocolVersion"])
	assert.Equal(t, map[string]any{"name": "context", "version": "1.0.0"}, res["serverInfo"])
	assert.Equal(t, map[string]any{"tools": map[string]any{}}, res["capabilities"])
	assert.Equal(t, "context exposes 4 tools. Call tools/list to discover them.", res["instructions"])

	d = newTestDispatcher(t, "Context helpers")
	res = resultMap(t, roundTrip(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`))
	assert.Equal(t, "Context helpers", res["instructions"])
	assert.Equal(t, "2025-06-18", res["protocolVersion"])
}

func TestToolsList(t *testing.T) {
	d := newTestDispatcher(t, "")
	res := resultMap(t, roundTrip(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	tools := res["tools"].([]any)
	require.Len(t, tools, 4)
	assert.Equal(t, "boom", tools[0].(map[string]any)["name"])
}

func TestToolsCallWrapsPrettyJSON(t *testing.T) {
	d := newTestDispatcher(t, "")
	resp := roundTrip(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"context.echo","arguments":{"msg":"hi"},"_meta":{"toolhub/traceId":"t-1"}}}`)
	res := resultMap(t, resp)
	content := res["content"].([]any)
	require.Len(t, content, 1)
	item := content[0].(map[string]any)
	assert.Equal(t, "text", item["type"])
	assert.Contains(t, item["text"], `"msg": "hi"`)
	assert.Contains(t, item["text"], `"trace": "t-1"`)
	assert.Equal(t, "3", string(resp.ID))
}

func TestToolsCallNormalizesName(t *testing.T) {
	d := newTestDispatcher(t, "")
	for _, name := range []string{"context/echo", "context_echo", "/context.echo"} {
		resp := roundTrip(t, d, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":{"msg":"x"}}}`, name))
		assert.Nil(t, resp.Error, name)
	}
}

func TestDispatcherErrorCodes(t *testing.T) {
	d := newTestDispatcher(t, "")
	tests := []struct {
		name    string
		line    string
		code    int
		message string
	}{
		{"malformed", `{"jsonrpc":`, CodeParseError, "parse error"},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest, ""},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, CodeMethodNotFound, "method not found: resources/list"},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`, CodeMethodNotFound, "tool not found: nope"},
		{"missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, CodeInvalidParams, ""},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":[1]}`, CodeInvalidParams, ""},
		{"validation", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, CodeInvalidParams, ""},
		{"handler panic", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}}`, CodeInternalError, "tool boom panicked: secret internals"},
		{"engine rpc error", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"engine_fail"}}`, -32001, "repo missing"},
		{"typed error", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"rpc_fail"}}`, CodeInvalidParams, "bad flag"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := roundTrip(t, d, tc.line)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
			if tc.message != "" {
				assert.Equal(t, tc.message, resp.Error.Message)
			}
			assert.NotContains(t, resp.Error.Message, "goroutine")
		})
	}
}

func TestParseErrorHasNullID(t *testing.T) {
	d := newTestDispatcher(t, "")
	out := d.HandleMessage(context.Background(), []byte(`not json`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`, string(out))
}

func TestNotificationsGetNoResponse(t *testing.T) {
	d := newTestDispatcher(t, "")
	assert.Nil(t, d.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, d.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	resp := roundTrip(t, d, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	assert.Equal(t, map[string]any{}, resp.Result)
}

func TestMapError(t *testing.T) {
	assert.Equal(t, CodeMethodNotFound, MapError(fmt.Errorf("load: %w", ErrUnknownService)).Code)
	assert.Equal(t, "unknown service", MapError(fmt.Errorf("load: %w", ErrUnknownService)).Message)
	assert.Equal(t, CodeInternalError, MapError(engine.ErrOffline).Code)
	assert.Equal(t, CodeInternalError, MapError(errors.New("x")).Code)
	assert.Equal(t, CodeInternalError, MapError(&engine.RPCError{Message: "m"}).Code)
}

func TestLoaderMemoizes(t *testing.T) {
	d := newTestDispatcher(t, "")
	calls := 0
	l := NewLoader(func(name string) (*Dispatcher, error) {
		calls++
		if name == "context" {
			return d, nil
		}
		return nil, errors.New("no engine named " + name + " in /secret/path")
	}, nil)

	got, err := l.Load("context")
	require.NoError(t, err)
	assert.Same(t, d, got)
	_, err = l.Load("context")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = l.Load("ghost")
	require.ErrorIs(t, err, ErrUnknownService)
	assert.Equal(t, "unknown service", err.Error())
	_, _ = l.Load("ghost")
	assert.Equal(t, 3, calls, "failures are not cached")

	l.Forget("context")
	_, err = l.Load("context")
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}
