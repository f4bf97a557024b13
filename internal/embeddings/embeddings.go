package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/superagenthq/superagent/internal/fault"
)

// Embedder turns text into a fixed-dimension vector. Implementations must
// return vectors of exactly Dimensions() entries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAIEmbedder embeds via the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
	timeout    time.Duration
	logger     *slog.Logger
}

func NewOpenAIEmbedder(log *slog.Logger, apiKey, baseURL, model string, dimensions int, timeout time.Duration) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fault.New(fault.KindConfig, "embedding api key is required")
	}
	if dimensions <= 0 {
		return nil, fault.New(fault.KindConfig, "embedding dimensions must be positive")
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
		timeout:    timeout,
		logger:     log.With(slog.String("component", "embeddings")),
	}, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fault.New(fault.KindConfig, "embedding input is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		e.logger.Warn("embedding call failed", slog.Any("error", err))
		return nil, fault.Wrap(fault.KindEmbeddingUnavailable, "embed text", err)
	}
	if len(resp.Data) == 0 {
		return nil, fault.New(fault.KindEmbeddingUnavailable, "embedding response empty")
	}

	raw := resp.Data[0].Embedding
	if len(raw) != e.dimensions {
		return nil, fault.New(fault.KindConfig,
			fmt.Sprintf("embedding dimension mismatch: model returned %d, store expects %d", len(raw), e.dimensions))
	}

	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}
