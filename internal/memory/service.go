package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/superagenthq/superagent/internal/embeddings"
	"github.com/superagenthq/superagent/internal/fault"
)

// Service is the vector memory surface: embed-and-store, embed-and-search.
// It is a thin semantic index; it never reranks, chunks, or summarizes.
type Service struct {
	store    Store
	embedder embeddings.Embedder
	logger   *slog.Logger

	retention time.Duration
	sweeper   *cron.Cron
}

func NewService(log *slog.Logger, store Store, embedder embeddings.Embedder) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		logger:   log.With(slog.String("component", "memory")),
	}
}

// Store embeds and persists one memory. Embedding failure and persistence
// failure surface distinctly so callers can degrade on the former.
func (s *Service) Store(ctx context.Context, req StoreRequest) (int64, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return 0, fault.New(fault.KindConfig, "agent id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return 0, fault.New(fault.KindConfig, "content is empty")
	}

	embedding, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return 0, err
	}

	id, err := s.store.Insert(ctx, req.AgentID, req.Content, embedding, req.Metadata)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("memory stored",
		slog.Int64("id", id),
		slog.String("agent_id", req.AgentID))
	return id, nil
}

// Search embeds the query and returns the top-k nearest memories by cosine
// similarity, descending. A nil AgentID searches across agents.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fault.New(fault.KindConfig, "query is empty")
	}
	k := req.K
	if k <= 0 {
		k = DefaultSearchK
	}
	if k > MaxSearchK {
		k = MaxSearchK
	}

	embedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return s.store.Search(ctx, req.AgentID, embedding, k)
}

// Recent lists memories chronologically, newest first.
func (s *Service) Recent(ctx context.Context, agentID *string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultSearchK
	}
	return s.store.Recent(ctx, agentID, limit)
}

// Health round-trips a trivial store query.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// StartRetentionSweep schedules periodic deletion of records older than
// retentionDays. A zero retention leaves the store append-only.
func (s *Service) StartRetentionSweep(retentionDays int, cronSpec string) error {
	if retentionDays <= 0 {
		return nil
	}
	if cronSpec == "" {
		cronSpec = "@daily"
	}
	s.retention = time.Duration(retentionDays) * 24 * time.Hour
	s.sweeper = cron.New()
	_, err := s.sweeper.AddFunc(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		cutoff := time.Now().Add(-s.retention)
		deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Warn("retention sweep failed", slog.Any("error", err))
			return
		}
		if deleted > 0 {
			s.logger.Info("retention sweep", slog.Int64("deleted", deleted))
		}
	})
	if err != nil {
		return err
	}
	s.sweeper.Start()
	return nil
}

// StopRetentionSweep halts the sweep scheduler if one is running.
func (s *Service) StopRetentionSweep() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
}
