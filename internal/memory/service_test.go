package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/logger"
)

const testDims = 8

// hashEmbedder maps text to a deterministic unit vector so identical
// strings always rank first against themselves.
type hashEmbedder struct {
	failWith error
}

func (e *hashEmbedder) Dimensions() int { return testDims }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.failWith != nil {
		return nil, e.failWith
	}
	vec := make([]float32, testDims)
	for i, b := range []byte(text) {
		vec[i%testDims] += float32(b)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

type memStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    []storedRow
	pingErr error
}

type storedRow struct {
	Record
	embedding []float32
}

func (s *memStore) Insert(_ context.Context, agentID, content string, embedding []float32, metadata map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows = append(s.rows, storedRow{
		Record: Record{
			ID:        s.nextID,
			AgentID:   agentID,
			Content:   content,
			Metadata:  metadata,
			CreatedAt: time.Now(),
		},
		embedding: embedding,
	})
	return s.nextID, nil
}

func (s *memStore) Search(_ context.Context, agentID *string, embedding []float32, k int) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []SearchResult
	for _, row := range s.rows {
		if agentID != nil && row.AgentID != *agentID {
			continue
		}
		var dot float64
		for i := range embedding {
			dot += float64(embedding[i]) * float64(row.embedding[i])
		}
		results = append(results, SearchResult{Record: row.Record, Similarity: dot})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *memStore) Recent(_ context.Context, agentID *string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []Record
	for i := len(s.rows) - 1; i >= 0 && len(records) < limit; i-- {
		row := s.rows[i]
		if agentID != nil && row.AgentID != *agentID {
			continue
		}
		records = append(records, row.Record)
	}
	return records, nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []storedRow
	var deleted int64
	for _, row := range s.rows {
		if row.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return deleted, nil
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func newTestService(store *memStore, embedder *hashEmbedder) *Service {
	return NewService(logger.L, store, embedder)
}

func TestStoreAndSearchRoundTrip(t *testing.T) {
	svc := newTestService(&memStore{}, &hashEmbedder{})
	ctx := context.Background()

	id, err := svc.Store(ctx, StoreRequest{
		AgentID:  "a1",
		Content:  "the deploy pipeline uses blue-green rollouts",
		Metadata: map[string]any{"role": "user", "channel_id": "c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	agent := "a1"
	results, err := svc.Search(ctx, SearchRequest{
		AgentID: &agent,
		Query:   "the deploy pipeline uses blue-green rollouts",
		K:       1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "the deploy pipeline uses blue-green rollouts", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
	assert.Equal(t, "user", results[0].Metadata["role"])
}

func TestSearchScopedByAgent(t *testing.T) {
	svc := newTestService(&memStore{}, &hashEmbedder{})
	ctx := context.Background()

	_, err := svc.Store(ctx, StoreRequest{AgentID: "a1", Content: "alpha"})
	require.NoError(t, err)
	_, err = svc.Store(ctx, StoreRequest{AgentID: "a2", Content: "beta"})
	require.NoError(t, err)

	agent := "a1"
	scoped, err := svc.Search(ctx, SearchRequest{AgentID: &agent, Query: "alpha or beta", K: 5})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "a1", scoped[0].AgentID)

	crossAgent, err := svc.Search(ctx, SearchRequest{Query: "alpha", K: 5})
	require.NoError(t, err)
	require.Len(t, crossAgent, 2)
	assert.Equal(t, "alpha", crossAgent[0].Content)
}

func TestSearchKDefaultsAndCap(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &hashEmbedder{})
	ctx := context.Background()

	for range 10 {
		_, err := svc.Store(ctx, StoreRequest{AgentID: "a1", Content: "filler content"})
		require.NoError(t, err)
	}

	results, err := svc.Search(ctx, SearchRequest{Query: "filler"})
	require.NoError(t, err)
	assert.Len(t, results, DefaultSearchK)

	results, err = svc.Search(ctx, SearchRequest{Query: "filler", K: 10_000})
	require.NoError(t, err)
	assert.Len(t, results, 10)
}

func TestStoreRejectsEmptyInput(t *testing.T) {
	svc := newTestService(&memStore{}, &hashEmbedder{})
	ctx := context.Background()

	_, err := svc.Store(ctx, StoreRequest{AgentID: "", Content: "x"})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))

	_, err = svc.Store(ctx, StoreRequest{AgentID: "a1", Content: "   "})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestEmbeddingFailureSurfacesDistinctly(t *testing.T) {
	embedErr := fault.Wrap(fault.KindEmbeddingUnavailable, "embed text", errors.New("upstream 500"))
	svc := newTestService(&memStore{}, &hashEmbedder{failWith: embedErr})
	ctx := context.Background()

	_, err := svc.Store(ctx, StoreRequest{AgentID: "a1", Content: "x"})
	require.Error(t, err)
	assert.Equal(t, fault.KindEmbeddingUnavailable, fault.KindOf(err))

	_, err = svc.Search(ctx, SearchRequest{Query: "x"})
	require.Error(t, err)
	assert.Equal(t, fault.KindEmbeddingUnavailable, fault.KindOf(err))
}

func TestHealth(t *testing.T) {
	store := &memStore{}
	svc := newTestService(store, &hashEmbedder{})
	assert.NoError(t, svc.Health(context.Background()))

	store.pingErr = fault.New(fault.KindTransport, "connection refused")
	assert.Error(t, svc.Health(context.Background()))
}

func TestSerializeEmbedding(t *testing.T) {
	assert.Equal(t, "[0.5,-1,2]", serializeEmbedding([]float32{0.5, -1, 2}))
	assert.Equal(t, "[]", serializeEmbedding(nil))
}
