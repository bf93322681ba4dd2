package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadWithPath_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7331, cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Transport.Kind)
	assert.Equal(t, 5, cfg.Transport.SendRetries)
	assert.Equal(t, time.Second, cfg.Transport.SendBaseDelayDuration())
	assert.Equal(t, 50*time.Millisecond, cfg.Transport.PollIntervalDuration())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Database.Path)
	assert.Empty(t, cfg.Events.NATSURL)
	assert.Empty(t, cfg.Models)
}

func TestLoadWithPath_File(t *testing.T) {
	dir := writeConfig(t, `
transport:
  kind: hostbridge
  ide: hbuilderx
  pollInterval: 20
models:
  - title: Local
    provider: ollama
    model: qwen2.5-coder
    apiBase: http://localhost:11434/v1
    contextLength: 32768
    roles: [chat, Edit]
prompts:
  apply: "Apply {{ .new_code }}"
workspace:
  dirs: [/src/project]
`)
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "hostbridge", cfg.Transport.Kind)
	assert.Equal(t, "hbuilderx", cfg.Transport.IDE)
	assert.Equal(t, 20*time.Millisecond, cfg.Transport.PollIntervalDuration())
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "qwen2.5-coder", cfg.Models[0].Model)
	assert.Equal(t, 32768, cfg.Models[0].ContextLength)
	assert.True(t, cfg.Models[0].HasRole("edit"))
	assert.False(t, cfg.Models[0].HasRole("apply"))
	assert.Equal(t, "Apply {{ .new_code }}", cfg.Prompts.Apply)
	assert.Equal(t, []string{"/src/project"}, cfg.Workspace.Dirs)
}

func TestLoadWithPath_Env(t *testing.T) {
	t.Setenv("CODEPILOT_TRANSPORT_KIND", "window")
	t.Setenv("CODEPILOT_TRANSPORT_SEND_RETRIES", "2")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "window", cfg.Transport.Kind)
	assert.Equal(t, 2, cfg.Transport.SendRetries)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
}

func TestLoadWithPath_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "transport kind", body: "transport:\n  kind: pigeon\n", want: "transport.kind"},
		{name: "database driver", body: "database:\n  driver: mysql\n", want: "database.driver"},
		{name: "model without name", body: "models:\n  - title: x\n", want: "models[0].model"},
		{name: "poll interval", body: "transport:\n  pollInterval: 0\n", want: "transport.pollInterval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithPath(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "history", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=history sslmode=disable", d.DSN())
}
