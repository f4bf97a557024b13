package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const fleetConfig = `
[log]
level = "debug"

[global]
restart_budget = 5
similarity_floor = 0.4

[agents.grok-agent]
kind = "process"
display_name = "Grok"
personality = "Witty and concise"
discord_token_ref = "DISCORD_TOKEN_GROK"

[agents.grok-agent.llm]
provider = "grok"
model = "grok-2-latest"

[agents.grok-agent.behavior]
max_turns_per_thread = 3
bot_allowlist = ["12345"]

[agents.devbox]
kind = "container"
discord_token_ref = "DISCORD_TOKEN_DEV"

[agents.devbox.llm]
provider = "anthropic"

[agents.devbox.resources]
image = "docker.io/library/devbox:latest"
workspace_host_path = "/srv/devbox"
workspace_mount_path = "/workspace"

[secrets_refs]
discord_tokens = ["DISCORD_TOKEN_GROK", "DISCORD_TOKEN_DEV"]
postgres_password = "PGPASSWORD"

[secrets_refs.provider_keys]
grok = "XAI_API_KEY"
anthropic = "ANTHROPIC_API_KEY"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultEmbeddingDimensions, cfg.Embedding.Dimensions)
	assert.Equal(t, DefaultRestartBudget, cfg.Global.RestartBudget)
	assert.Empty(t, cfg.Agents)
}

func TestLoadFleet(t *testing.T) {
	cfg, err := Load(writeConfig(t, fleetConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 2)

	grok := cfg.Agents["grok-agent"]
	assert.Equal(t, "grok-agent", grok.ID)
	assert.Equal(t, "process", grok.Kind)
	assert.Equal(t, "Grok", grok.Name())
	assert.Equal(t, 3, grok.Behavior.TurnsPerThread())
	assert.Equal(t, DefaultMaxContextMessages, grok.Behavior.ContextMessages())
	assert.True(t, grok.Behavior.BotsIgnored())
	assert.True(t, grok.AutoDeployEnabled())

	dev := cfg.Agents["devbox"]
	assert.Equal(t, "container", dev.Kind)
	require.NotNil(t, dev.Resources)
	assert.Equal(t, "/workspace", dev.Resources.WorkspaceMountPath)

	// Defaults under explicit sections survive.
	assert.Equal(t, 5, cfg.Global.RestartBudget)
	assert.Equal(t, DefaultProbeIntervalSeconds, cfg.Global.ProbeIntervalSeconds)
}

func TestLoadIdempotent(t *testing.T) {
	path := writeConfig(t, fleetConfig)
	first, err := Load(path)
	require.NoError(t, err)
	second, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "[global]\nbogus_key = 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config keys")
}

func TestValidateProcessWithResources(t *testing.T) {
	_, err := Load(writeConfig(t, `
[agents.a1]
kind = "process"
discord_token_ref = "T1"

[agents.a1.llm]
provider = "openai"

[agents.a1.resources]
image = "x"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not carry resources")
}

func TestValidateUnknownProvider(t *testing.T) {
	_, err := Load(writeConfig(t, `
[agents.a1]
kind = "process"
discord_token_ref = "T1"

[agents.a1.llm]
provider = "mistral"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestBehaviorExplicitZeroes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[agents.a1]
kind = "process"
discord_token_ref = "T1"

[agents.a1.llm]
provider = "openai"

[agents.a1.behavior]
max_context_messages = 0
max_turns_per_thread = 0
response_delay_seconds = 0.0
ignore_bots = false
`))
	require.NoError(t, err)

	b := cfg.Agents["a1"].Behavior
	assert.Zero(t, b.ContextMessages())
	assert.Zero(t, b.TurnsPerThread())
	assert.Zero(t, b.ResponseDelay())
	assert.False(t, b.BotsIgnored())
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "sa", Database: "mem", SSLMode: "disable"}
	assert.Equal(t, "postgres://sa:hunter2@db:5432/mem?sslmode=disable", p.DSN("hunter2"))
}
