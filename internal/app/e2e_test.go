package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/toolhub/internal/audit"
)

func writeHubConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := strings.Join([]string{
		"base_path: " + dir,
		"rpc_timeout: 10s",
		"log: {level: debug, output: file, path: " + filepath.Join(dir, "hub.log") + "}",
		"engines:",
		"  - name: context",
		"    service: context",
		"    env: {" + appMainEnv + ": \"1\"}",
		"transports:",
		"  stdio: {enabled: true}",
		"audit: {sink: sqlite, path: " + filepath.Join(dir, "audit.db") + "}",
		"",
	}, "\n")
	path := filepath.Join(dir, "toolhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func decodeLines(t *testing.T, out string) map[string]map[string]any {
	t.Helper()
	byID := map[string]map[string]any{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &resp), line)
		id, _ := json.Marshal(resp["id"])
		byID[string(id)] = resp
	}
	return byID
}

func resultText(t *testing.T, resp map[string]any) string {
	t.Helper()
	require.Nil(t, resp["error"], "unexpected error: %v", resp["error"])
	content := resp["result"].(map[string]any)["content"].([]any)
	return content[0].(map[string]any)["text"].(string)
}

func TestServeStdioEndToEnd(t *testing.T) {
	dir := t.TempDir()
	g := &globalFlags{configPath: writeHubConfig(t, dir)}

	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"context.echo","arguments":{"msg":"hi"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"context/describe"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"nope.tool"}}`,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"hub.restart","arguments":{"engine":"context"}}}`,
	}, "\n") + "\n"
	out := &bytes.Buffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, runServe(ctx, g, false, strings.NewReader(in), out))

	byID := decodeLines(t, out.String())
	require.Len(t, byID, 6)

	initRes := byID["1"]["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", initRes["protocolVersion"])
	assert.Equal(t, "toolhub", initRes["serverInfo"].(map[string]any)["name"])

	var names []string
	for _, tool := range byID["2"]["result"].(map[string]any)["tools"].([]any) {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.Equal(t, []string{"context.describe", "context.echo", "context.relay", "hub.engines", "hub.replay", "hub.restart"}, names)

	assert.Contains(t, resultText(t, byID["3"]), `"msg": "hi"`)

	var described map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, byID["4"])), &described))
	assert.Equal(t, "context", described["engine"])
	assert.Equal(t, dir, described["base_path"])

	assert.Equal(t, float64(-32601), byID["5"]["error"].(map[string]any)["code"])
	// Sandbox denials surface as internal errors.
	assert.Contains(t, byID["6"]["error"].(map[string]any)["message"], "sandbox violation")

	sink, err := audit.NewSQLiteSink(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer sink.Close()
	entries, err := sink.Recent(context.Background(), 50)
	require.NoError(t, err)
	var tools []string
	for _, e := range entries {
		tools = append(tools, e.Tool)
	}
	assert.Contains(t, tools, "context.echo")
	assert.Contains(t, tools, "hub.restart")
}

func TestProbeAgainstBuiltinEngine(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := probe(ctx, exe, []string{"engine", "--service", "context"}, probeOptions{
		call: "echo",
		args: `{"msg":"hi"}`,
		env:  []string{appMainEnv + "=1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "context", report.Server)
	var names []string
	for _, tool := range report.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"describe", "echo", "relay"}, names)
	require.NotNil(t, report.Call)
	assert.False(t, report.Call.IsError)
	require.Len(t, report.Call.Text, 1)
	assert.Contains(t, report.Call.Text[0], `"msg": "hi"`)
}

func TestToolsCmdJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeHubConfig(t, dir)

	out, _, err := execute(t, "", "--config", path, "tools", "--json")
	require.NoError(t, err)

	var payload struct {
		Engines []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"engines"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.Len(t, payload.Engines, 1)
	assert.Equal(t, "online", payload.Engines[0].Status)
	assert.Len(t, payload.Tools, 6)
}
