package llm

import (
	"context"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/superagenthq/superagent/internal/fault"
)

type anthropicProvider struct {
	client anthropic.Client
	opts   Options
	logger *slog.Logger
}

func newAnthropicProvider(log *slog.Logger, apiKey string, opts Options) *anthropicProvider {
	return &anthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		opts:   opts,
		logger: log.With(slog.String("component", "llm.anthropic")),
	}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	// The messages API requires user/assistant alternation starting and
	// ending on user; consecutive same-role turns are merged.
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, turn := range req.Messages {
		text := attributed(turn)
		role := anthropic.MessageParamRoleUser
		if turn.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			prev := messages[n-1].Content[0].OfText.Text
			messages[n-1].Content = []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(prev + "\n" + text),
			}
			continue
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)},
		})
	}
	if len(messages) == 0 || messages[0].Role != anthropic.MessageParamRoleUser {
		return Reply{}, fault.New(fault.KindProvider, "conversation must start with a user turn")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.opts.Model),
		Messages:    messages,
		MaxTokens:   int64(p.opts.MaxTokens),
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Reply{}, fault.Wrap(fault.KindProvider, "anthropic completion", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Reply{}, fault.New(fault.KindProvider, "anthropic returned empty response")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return Reply{}, fault.New(fault.KindProvider, "anthropic returned no text content")
	}
	return Reply{Content: text}, nil
}
