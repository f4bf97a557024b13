package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/superagenthq/superagent/internal/fault"
)

// Secrets is the boot-time resolution of every secrets_refs entry. It is
// built once, passed by value, and its contents are never logged.
type Secrets struct {
	// spec id -> raw Discord token.
	DiscordTokens map[string]string
	// provider name -> API key.
	ProviderKeys map[string]string
	PostgresPassword string
	JWTSecret        string
}

// LookupFunc abstracts os.LookupEnv for tests.
type LookupFunc func(key string) (string, bool)

// ResolveSecrets resolves every referenced secret from the environment.
// Any missing reference is fatal; two distinct agent specs resolving to
// the same Discord token is fatal (the whole fleet would collapse into a
// single identity).
func ResolveSecrets(cfg Config, lookup LookupFunc) (Secrets, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	secrets := Secrets{
		DiscordTokens: make(map[string]string),
		ProviderKeys:  make(map[string]string),
	}

	declared := make(map[string]struct{}, len(cfg.SecretsRefs.DiscordTokens))
	for _, name := range cfg.SecretsRefs.DiscordTokens {
		declared[name] = struct{}{}
	}

	// Deterministic iteration so error messages are stable.
	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tokenOwner := make(map[string]string)
	for _, id := range ids {
		spec := cfg.Agents[id]
		ref := spec.DiscordTokenRef
		if len(declared) > 0 {
			if _, ok := declared[ref]; !ok {
				return Secrets{}, fault.New(fault.KindConfig,
					fmt.Sprintf("agent %q: discord_token_ref %q not listed in secrets_refs", id, ref))
			}
		}
		token, ok := lookup(ref)
		if !ok || token == "" {
			return Secrets{}, fault.New(fault.KindConfig,
				fmt.Sprintf("agent %q: secret %q is not set", id, ref))
		}
		if owner, dup := tokenOwner[token]; dup {
			return Secrets{}, fault.New(fault.KindConfig,
				fmt.Sprintf("duplicate bot token: agents %q and %q resolve the same Discord token", owner, id))
		}
		tokenOwner[token] = id
		secrets.DiscordTokens[id] = token
	}

	providersInUse := make(map[string]struct{})
	for _, spec := range cfg.Agents {
		providersInUse[spec.LLM.Provider] = struct{}{}
	}
	for provider := range providersInUse {
		ref, ok := cfg.SecretsRefs.ProviderKeys[provider]
		if !ok {
			return Secrets{}, fault.New(fault.KindConfig,
				fmt.Sprintf("no secrets_refs.provider_keys entry for provider %q", provider))
		}
		key, found := lookup(ref)
		if !found || key == "" {
			return Secrets{}, fault.New(fault.KindConfig,
				fmt.Sprintf("provider %q: secret %q is not set", provider, ref))
		}
		secrets.ProviderKeys[provider] = key
	}

	if ref := cfg.SecretsRefs.PostgresPassword; ref != "" {
		password, ok := lookup(ref)
		if !ok {
			return Secrets{}, fault.New(fault.KindConfig,
				fmt.Sprintf("postgres password secret %q is not set", ref))
		}
		secrets.PostgresPassword = password
	}

	if ref := cfg.Auth.JWTSecretRef; ref != "" {
		secret, ok := lookup(ref)
		if !ok {
			return Secrets{}, fault.New(fault.KindConfig,
				fmt.Sprintf("jwt secret %q is not set", ref))
		}
		secrets.JWTSecret = secret
	}

	return secrets, nil
}
