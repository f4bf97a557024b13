package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/superagenthq/superagent/internal/fault"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 60 * time.Second

	grokBaseURL = "https://api.x.ai/v1"

	defaultGrokModel      = "grok-2-latest"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultGoogleModel    = "gemini-2.0-flash"
	defaultOpenAIModel    = "gpt-4o"
)

// Turn is one prior message in the conversation, attributed to its Discord
// author so the model can track multi-party threads.
type Turn struct {
	Role    string
	Author  string
	Content string
}

// Request is a single completion call. Messages are ordered oldest first.
type Request struct {
	System   string
	Messages []Turn
}

// Reply is the model's text answer.
type Reply struct {
	Content string
}

// Provider adapts one upstream language-model API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Reply, error)
}

// Options configures a provider adapter.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func (o Options) withDefaults(defaultModel string) Options {
	if o.Model == "" {
		o.Model = defaultModel
	}
	if o.Temperature == 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// New builds the provider adapter for a configured provider name. Unknown
// names are a configuration error.
func New(log *slog.Logger, provider, apiKey string, opts Options) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fault.New(fault.KindConfig, fmt.Sprintf("provider %q: api key is required", provider))
	}
	switch provider {
	case "anthropic":
		return newAnthropicProvider(log, apiKey, opts.withDefaults(defaultAnthropicModel)), nil
	case "openai":
		return newOpenAIProvider(log, "openai", apiKey, "", opts.withDefaults(defaultOpenAIModel)), nil
	case "grok":
		// xAI speaks the OpenAI chat-completions dialect.
		return newOpenAIProvider(log, "grok", apiKey, grokBaseURL, opts.withDefaults(defaultGrokModel)), nil
	case "google":
		return newGoogleProvider(log, apiKey, opts.withDefaults(defaultGoogleModel)), nil
	default:
		return nil, fault.New(fault.KindConfig, fmt.Sprintf("unknown provider %q", provider))
	}
}

// attributed renders a turn as the model sees it.
func attributed(t Turn) string {
	if t.Author == "" {
		return t.Content
	}
	return t.Author + ": " + t.Content
}
