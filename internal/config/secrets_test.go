package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagenthq/superagent/internal/fault"
)

func lookupFrom(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func twoAgentConfig() Config {
	return Config{
		Agents: map[string]AgentSpec{
			"a1": {ID: "a1", Kind: "process", DiscordTokenRef: "TOKEN_A", LLM: LLMSpec{Provider: "grok"}},
			"a2": {ID: "a2", Kind: "process", DiscordTokenRef: "TOKEN_B", LLM: LLMSpec{Provider: "anthropic"}},
		},
		SecretsRefs: SecretsRefs{
			DiscordTokens:    []string{"TOKEN_A", "TOKEN_B"},
			ProviderKeys:     map[string]string{"grok": "XAI_KEY", "anthropic": "ANTHROPIC_KEY"},
			PostgresPassword: "PGPASS",
		},
	}
}

func TestResolveSecrets(t *testing.T) {
	secrets, err := ResolveSecrets(twoAgentConfig(), lookupFrom(map[string]string{
		"TOKEN_A":       "tok-a",
		"TOKEN_B":       "tok-b",
		"XAI_KEY":       "xai",
		"ANTHROPIC_KEY": "ant",
		"PGPASS":        "pg",
	}))
	require.NoError(t, err)

	assert.Equal(t, "tok-a", secrets.DiscordTokens["a1"])
	assert.Equal(t, "tok-b", secrets.DiscordTokens["a2"])
	assert.Equal(t, "xai", secrets.ProviderKeys["grok"])
	assert.Equal(t, "pg", secrets.PostgresPassword)
}

func TestResolveSecretsDuplicateToken(t *testing.T) {
	cfg := twoAgentConfig()
	cfg.Agents["a2"] = AgentSpec{ID: "a2", Kind: "process", DiscordTokenRef: "TOKEN_X", LLM: LLMSpec{Provider: "grok"}}
	cfg.Agents["a1"] = AgentSpec{ID: "a1", Kind: "process", DiscordTokenRef: "TOKEN_A", LLM: LLMSpec{Provider: "grok"}}
	cfg.SecretsRefs.DiscordTokens = []string{"TOKEN_A", "TOKEN_X"}

	_, err := ResolveSecrets(cfg, lookupFrom(map[string]string{
		"TOKEN_A": "same-token",
		"TOKEN_X": "same-token",
		"XAI_KEY": "xai",
	}))
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	assert.Contains(t, err.Error(), "duplicate bot token")
}

func TestResolveSecretsMissingToken(t *testing.T) {
	_, err := ResolveSecrets(twoAgentConfig(), lookupFrom(map[string]string{
		"TOKEN_A":       "tok-a",
		"XAI_KEY":       "xai",
		"ANTHROPIC_KEY": "ant",
	}))
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	assert.Contains(t, err.Error(), `"TOKEN_B" is not set`)
}

func TestResolveSecretsUndeclaredRef(t *testing.T) {
	cfg := twoAgentConfig()
	cfg.SecretsRefs.DiscordTokens = []string{"TOKEN_A"}

	_, err := ResolveSecrets(cfg, lookupFrom(map[string]string{
		"TOKEN_A": "tok-a",
		"TOKEN_B": "tok-b",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not listed in secrets_refs")
}

func TestResolveSecretsMissingProviderKey(t *testing.T) {
	cfg := twoAgentConfig()
	delete(cfg.SecretsRefs.ProviderKeys, "anthropic")

	_, err := ResolveSecrets(cfg, lookupFrom(map[string]string{
		"TOKEN_A": "tok-a",
		"TOKEN_B": "tok-b",
		"XAI_KEY": "xai",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `provider "anthropic"`)
}
