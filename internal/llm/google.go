package llm

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/superagenthq/superagent/internal/fault"
)

type googleProvider struct {
	apiKey string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	client *genai.Client
}

func newGoogleProvider(log *slog.Logger, apiKey string, opts Options) *googleProvider {
	return &googleProvider{
		apiKey: apiKey,
		opts:   opts,
		logger: log.With(slog.String("component", "llm.google")),
	}
}

func (p *googleProvider) Name() string { return "google" }

// resolve creates the client lazily; genai client construction needs a
// context.
func (p *googleProvider) resolve(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindProvider, "create google client", err)
	}
	p.client = client
	return client, nil
}

func (p *googleProvider) Complete(ctx context.Context, req Request) (Reply, error) {
	client, err := p.resolve(ctx)
	if err != nil {
		return Reply{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, turn := range req.Messages {
		role := genai.RoleUser
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: attributed(turn)}},
		})
	}

	temperature := float32(p.opts.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(p.opts.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, p.opts.Model, contents, cfg)
	if err != nil {
		return Reply{}, fault.Wrap(fault.KindProvider, "google completion", err)
	}
	if result == nil {
		return Reply{}, fault.New(fault.KindProvider, "google returned empty response")
	}
	text := result.Text()
	if text == "" {
		return Reply{}, fault.New(fault.KindProvider, "google returned no text content")
	}
	return Reply{Content: text}, nil
}
