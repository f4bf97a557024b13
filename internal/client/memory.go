package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/superagenthq/superagent/internal/engine"
	"github.com/superagenthq/superagent/internal/memory"
)

// MemoryClient implements engine.Memory against the daemon's memory routes.
type MemoryClient struct {
	c *Client
}

func NewMemoryClient(c *Client) *MemoryClient {
	return &MemoryClient{c: c}
}

var _ engine.Memory = (*MemoryClient)(nil)

func (m *MemoryClient) Store(ctx context.Context, req memory.StoreRequest) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := m.c.do(ctx, http.MethodPost, "/memory", nil, req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (m *MemoryClient) Search(ctx context.Context, req memory.SearchRequest) ([]memory.SearchResult, error) {
	var resp struct {
		Results []memory.SearchResult `json:"results"`
	}
	if err := m.c.do(ctx, http.MethodPost, "/memory/search", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Recent lists stored memories newest first, for operator tooling.
func (m *MemoryClient) Recent(ctx context.Context, agentID string, limit int) ([]memory.Record, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Memories []memory.Record `json:"memories"`
	}
	if err := m.c.do(ctx, http.MethodGet, "/memory/recent", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Memories, nil
}
