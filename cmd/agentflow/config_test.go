package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/model"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, hubMemory, cfg.Hub)
	assert.Equal(t, model.ModelKimiK2Instruct, cfg.JudgeModel)
	assert.Equal(t, model.DefaultInvokeTimeout, cfg.ModelTimeout)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.True(t, cfg.Scheduler.Enabled)

	require.Len(t, cfg.Models, 2)
	assert.Equal(t, model.ModelKimiK2p5, cfg.Models[0].ID)
	assert.Equal(t, "fireworks", cfg.Models[0].Provider)
	assert.Equal(t, providerOpenAI, cfg.Providers["fireworks"].Type)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeSettings(t, `{
		"listen_addr": ":9000",
		"pool_size": 3,
		"retry": {"backoff": "linear", "delay": "250ms"},
		"providers": {"local": {"type": "http", "base_url": "http://localhost:11434/api/generate"}},
		"models": [{"id": "llama", "provider": "local", "response_path": ".response"}],
		"judge_model": "llama"
	}`)
	t.Setenv("AGENTFLOW_POOL_SIZE", "7")
	t.Setenv("AGENTFLOW_RETRY_DELAY", "2s")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr, "file overrides default")
	assert.Equal(t, 7, cfg.PoolSize, "env overrides file")
	assert.Equal(t, "linear", cfg.Retry.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Retry.Delay)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "llama", cfg.Models[0].ID)
	assert.Equal(t, providerHTTP, cfg.Providers["local"].Type)
}

func TestLoadConfig_ExplicitFileMustExist(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"pool", `{"pool_size": 0}`, "pool_size"},
		{"hub", `{"hub": "kafka"}`, "hub"},
		{"backoff", `{"retry": {"backoff": "fibonacci"}}`, "retry.backoff"},
		{"judge", `{"judge_model": "gpt-9"}`, "judge_model"},
		{"provider", `{"providers": {"x": {"type": "grpc"}}}`, "unknown type"},
		{"format", `{"log_format": "xml"}`, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeSettings(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewApp_WiresAndRecovers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig("")
	require.NoError(t, err)
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "agentflow.db")

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.close()

	assert.True(t, a.router.Has(model.ModelKimiK2p5))
	assert.Equal(t, model.CircuitClosed, a.breaker.State(model.ModelKimiK2p5))
	assert.FileExists(t, cfg.DBPath)
}

func TestNewApp_EmbeddedNATS(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig("")
	require.NoError(t, err)
	cfg.DBPath = filepath.Join(t.TempDir(), "agentflow.db")
	cfg.Hub = hubNATS

	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.close()
	assert.NotNil(t, a.nats)
}

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", out.String())
}
