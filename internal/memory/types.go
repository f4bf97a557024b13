package memory

import "time"

// Record is one persisted memory row. Records are append-only.
type Record struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SearchResult pairs a record with its cosine similarity to the query
// (1 - cosine distance, higher is closer).
type SearchResult struct {
	Record
	Similarity float64 `json:"similarity"`
}

// StoreRequest is the write contract of the service.
type StoreRequest struct {
	AgentID  string         `json:"agent_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchRequest is the read contract. A nil AgentID searches across all
// agents; callers default to single-agent scope.
type SearchRequest struct {
	AgentID *string `json:"agent_id,omitempty"`
	Query   string  `json:"query"`
	K       int     `json:"k,omitempty"`
}

const (
	DefaultSearchK = 5
	MaxSearchK     = 100
)
