package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/logger"
	"github.com/superagenthq/superagent/internal/memory"
)

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fault.New(fault.KindEmbeddingUnavailable, "embedding backend down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeStore struct {
	records []memory.Record
	nextID  int64
	pingErr error
}

func (f *fakeStore) Insert(ctx context.Context, agentID, content string, embedding []float32, metadata map[string]any) (int64, error) {
	f.nextID++
	f.records = append(f.records, memory.Record{
		ID:        f.nextID,
		AgentID:   agentID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	return f.nextID, nil
}

func (f *fakeStore) Search(ctx context.Context, agentID *string, embedding []float32, k int) ([]memory.SearchResult, error) {
	var out []memory.SearchResult
	for _, r := range f.records {
		if agentID != nil && r.AgentID != *agentID {
			continue
		}
		out = append(out, memory.SearchResult{Record: r, Similarity: 0.9})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) Recent(ctx context.Context, agentID *string, limit int) ([]memory.Record, error) {
	var out []memory.Record
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.records[i])
	}
	return out, nil
}

func (f *fakeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func newMemoryEcho(t *testing.T, store *fakeStore, embedder *fakeEmbedder) *echo.Echo {
	t.Helper()
	e := echo.New()
	svc := memory.NewService(logger.L, store, embedder)
	NewMemoryHandler(logger.L, svc).Register(e)
	return e
}

func TestMemoryStoreEndpoint(t *testing.T) {
	store := &fakeStore{}
	e := newMemoryEcho(t, store, &fakeEmbedder{})

	body := `{"agent_id":"ada","content":"grace prefers short answers"}`
	req := httptest.NewRequest(http.MethodPost, "/memory", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":1`)
	require.Len(t, store.records, 1)
	assert.Equal(t, "ada", store.records[0].AgentID)
}

func TestMemoryStoreEmbeddingUnavailable(t *testing.T) {
	e := newMemoryEcho(t, &fakeStore{}, &fakeEmbedder{fail: true})

	body := `{"agent_id":"ada","content":"anything"}`
	req := httptest.NewRequest(http.MethodPost, "/memory", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, fault.HTTPStatus(fault.KindEmbeddingUnavailable), rec.Code)
	assert.Contains(t, rec.Body.String(), string(fault.KindEmbeddingUnavailable))
}

func TestMemoryStoreRejectsEmptyContent(t *testing.T) {
	e := newMemoryEcho(t, &fakeStore{}, &fakeEmbedder{})

	req := httptest.NewRequest(http.MethodPost, "/memory", strings.NewReader(`{"agent_id":"ada"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemorySearchEndpoint(t *testing.T) {
	store := &fakeStore{}
	e := newMemoryEcho(t, store, &fakeEmbedder{})

	_, err := memory.NewService(logger.L, store, &fakeEmbedder{}).
		Store(context.Background(), memory.StoreRequest{AgentID: "ada", Content: "likes go"})
	require.NoError(t, err)

	body := `{"agent_id":"ada","query":"preferences","k":3}`
	req := httptest.NewRequest(http.MethodPost, "/memory/search", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "likes go")
	assert.Contains(t, rec.Body.String(), `"similarity":0.9`)
}

func TestMemorySearchEmptyResults(t *testing.T) {
	e := newMemoryEcho(t, &fakeStore{}, &fakeEmbedder{})

	body := `{"query":"nothing stored"}`
	req := httptest.NewRequest(http.MethodPost, "/memory/search", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"results":[]`)
}

func TestMemoryRecentEndpoint(t *testing.T) {
	store := &fakeStore{}
	svc := memory.NewService(logger.L, store, &fakeEmbedder{})
	for _, content := range []string{"first", "second"} {
		_, err := svc.Store(context.Background(), memory.StoreRequest{AgentID: "ada", Content: content})
		require.NoError(t, err)
	}
	e := newMemoryEcho(t, store, &fakeEmbedder{})

	req := httptest.NewRequest(http.MethodGet, "/memory/recent?agent_id=ada&limit=1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "second")
	assert.NotContains(t, rec.Body.String(), "first")
}

func TestMemoryHealthEndpoint(t *testing.T) {
	store := &fakeStore{}
	e := newMemoryEcho(t, store, &fakeEmbedder{})

	req := httptest.NewRequest(http.MethodGet, "/memory/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	store.pingErr = fault.New(fault.KindTransport, "pool exhausted")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory/health", nil))
	assert.Equal(t, fault.HTTPStatus(fault.KindTransport), rec.Code)
}
