package app

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/toolhub/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := parseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLogLevel("trace")
	require.Error(t, err)
}

func TestHubLoggerKeepsStdoutForStdio(t *testing.T) {
	w, closer, err := openLogSink("stdout", "")
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Equal(t, os.Stdout, w)

	_, closer, err = newHubLogger(config.LogConfig{Level: "info", Output: "stdout"}, true)
	require.NoError(t, err)
	// stderr sinks have nothing to close.
	assert.Nil(t, closer)
}

func TestFileLogSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.log")
	logger, closer, err := newLoggerToSink("info", "file", path)
	require.NoError(t, err)
	logger.Info("engine_mounted", slog.String("engine", "context"))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"engine_mounted"`)
	assert.Contains(t, string(data), `"engine":"context"`)

	_, _, err = newLoggerToSink("info", "file", "")
	require.Error(t, err)
	_, _, err = newLoggerToSink("info", "syslog", "")
	require.Error(t, err)
}

func TestAccessLog(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := withAccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, buf.String(), `"msg":"http_request"`)
	assert.Contains(t, buf.String(), `"status":202`)
}
