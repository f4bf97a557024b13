package llm

import (
	"context"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/superagenthq/superagent/internal/fault"
)

// openAIProvider speaks the chat-completions dialect. It backs both the
// "openai" provider and, with the xAI base URL, the "grok" provider.
type openAIProvider struct {
	name   string
	client openai.Client
	opts   Options
	logger *slog.Logger
}

func newOpenAIProvider(log *slog.Logger, name, apiKey, baseURL string, opts Options) *openAIProvider {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	return &openAIProvider{
		name:   name,
		client: openai.NewClient(clientOpts...),
		opts:   opts,
		logger: log.With(slog.String("component", "llm."+name)),
	}
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) Complete(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.Messages {
		if turn.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(attributed(turn)))
			continue
		}
		messages = append(messages, openai.UserMessage(attributed(turn)))
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.opts.Model),
		Messages:    messages,
		Temperature: openai.Float(p.opts.Temperature),
		MaxTokens:   openai.Int(int64(p.opts.MaxTokens)),
	})
	if err != nil {
		return Reply{}, fault.Wrap(fault.KindProvider, p.name+" completion", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Reply{}, fault.New(fault.KindProvider, p.name+" returned empty response")
	}
	return Reply{Content: resp.Choices[0].Message.Content}, nil
}
