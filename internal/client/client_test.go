package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
	"github.com/superagenthq/superagent/internal/memory"
)

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"bots": []gateway.BotInfo{}})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	_, err := c.Bots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestClientReconstructsFaultKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(fault.Body{
			ErrorKind:  string(fault.KindRateLimited),
			Message:    "slow down",
			RetryAfter: 1.5,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Status(context.Background(), "ada")
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1500*time.Millisecond, fe.RetryAfter)
}

func TestClientUnexpectedErrorShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Fleet(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindTransport, fault.KindOf(err))
}

func TestGatewayClientIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"bots": []gateway.BotInfo{
			{ID: "ada", UserID: "u-1", State: gateway.StateReady},
			{ID: "zed", State: gateway.StateConnecting},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "")

	userID, err := NewGatewayClient(c, "ada").Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)

	_, err = NewGatewayClient(c, "zed").Identity(context.Background())
	assert.Equal(t, fault.KindOverloaded, fault.KindOf(err))

	_, err = NewGatewayClient(c, "ghost").Identity(context.Background())
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestGatewayClientSendScopesBot(t *testing.T) {
	var got gateway.SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "m-1"})
	}))
	defer srv.Close()

	g := NewGatewayClient(New(srv.URL, ""), "ada")
	id, err := g.Send(context.Background(), gateway.SendRequest{
		BotID:     "spoofed",
		ChannelID: "c-1",
		Content:   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, "ada", got.BotID)
}

func TestGatewayClientEventsStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gateway/subscribe", r.URL.Path)
		require.Equal(t, "ada", r.URL.Query().Get("bot_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for i := 0; i < 3; i++ {
			require.NoError(t, conn.WriteJSON(gateway.Event{
				BotID:     "ada",
				ChannelID: "c-1",
				MessageID: "m-" + string(rune('0'+i)),
				Content:   "hi",
			}))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g := NewGatewayClient(New(srv.URL, ""), "ada")
	events, err := g.Events(ctx)
	require.NoError(t, err)

	var seen []gateway.Event
	for ev := range events {
		seen = append(seen, ev)
	}
	require.Len(t, seen, 3)
	assert.Equal(t, "m-0", seen[0].MessageID)
	assert.Equal(t, "ada", seen[0].BotID)
}

func TestMemoryClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/memory":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]int64{"id": 7})
		case "/memory/search":
			var req memory.SearchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "preferences", req.Query)
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []memory.SearchResult{
				{Record: memory.Record{ID: 7, Content: "likes go"}, Similarity: 0.92},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m := NewMemoryClient(New(srv.URL, ""))
	id, err := m.Store(context.Background(), memory.StoreRequest{AgentID: "ada", Content: "likes go"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	results, err := m.Search(context.Background(), memory.SearchRequest{Query: "preferences"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "likes go", results[0].Content)
	assert.InDelta(t, 0.92, results[0].Similarity, 1e-9)
}

func TestGatewayHealthDegradedStillDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(gateway.HealthReport{
			Healthy: false,
			Bots:    map[string]gateway.State{"ada": gateway.StateDegraded},
		})
	}))
	defer srv.Close()

	report, err := New(srv.URL, "").GatewayHealth(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, gateway.StateDegraded, report.Bots["ada"])
}
