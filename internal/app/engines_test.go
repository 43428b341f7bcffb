package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/toolhub/internal/config"
)

func TestEngineSpecs(t *testing.T) {
	t.Setenv("TOOLHUB_TEST_ENGINE_TOKEN", "tok")
	compiled := config.Compiled{
		RPCTimeout: 7 * time.Second,
		Log:        config.LogConfig{Level: "debug"},
		Sandbox:    config.SandboxConfig{AllowSystem: true},
		Engines: []config.EngineConfig{
			{Name: "context", Service: "context", Args: []string{"--extra"}},
			{Name: "git", Command: "/bin/git-engine", Env: map[string]string{"TOKEN": "env:TOOLHUB_TEST_ENGINE_TOKEN"}, Timeout: time.Second},
		},
	}

	specs, err := engineSpecs(compiled, "/usr/local/bin/toolhub")
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "/usr/local/bin/toolhub", specs[0].Command)
	assert.Equal(t, []string{"engine", "--service", "context", "--log-level", "debug", "--allow-system", "--extra"}, specs[0].Args)
	assert.Equal(t, 7*time.Second, specs[0].Timeout)

	assert.Equal(t, "/bin/git-engine", specs[1].Command)
	assert.Equal(t, []string{"TOKEN=tok"}, specs[1].Env)
	assert.Equal(t, time.Second, specs[1].Timeout)
}

func TestEngineSpecsSecretFailure(t *testing.T) {
	compiled := config.Compiled{Engines: []config.EngineConfig{
		{Name: "git", Command: "x", Env: map[string]string{"TOKEN": "env:TOOLHUB_TEST_MISSING_TOKEN"}},
	}}
	_, err := engineSpecs(compiled, "toolhub")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine git env")
}
