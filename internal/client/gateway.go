package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/superagenthq/superagent/internal/engine"
	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
)

// eventBuffer matches the daemon's default per-subscriber buffer so a
// slow agent sheds load on its own side of the socket too.
const eventBuffer = 256

// GatewayClient implements engine.Gateway against the daemon's HTTP and
// websocket surface, scoped to a single bot identity.
type GatewayClient struct {
	c     *Client
	botID string
}

func NewGatewayClient(c *Client, botID string) *GatewayClient {
	return &GatewayClient{c: c, botID: botID}
}

var _ engine.Gateway = (*GatewayClient)(nil)

// Events dials the subscribe endpoint and pumps frames into a local
// channel. The channel closes when the socket does; the engine treats
// that as shutdown.
func (g *GatewayClient) Events(ctx context.Context) (<-chan gateway.Event, error) {
	wsURL := strings.Replace(g.c.baseURL, "http", "ws", 1) +
		"/gateway/subscribe?bot_id=" + url.QueryEscape(g.botID)

	header := http.Header{}
	if g.c.token != "" {
		header.Set("Authorization", "Bearer "+g.c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "dial gateway subscribe", err)
	}

	out := make(chan gateway.Event, eventBuffer)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev gateway.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	return out, nil
}

func (g *GatewayClient) Identity(ctx context.Context) (string, error) {
	var resp struct {
		Bots []gateway.BotInfo `json:"bots"`
	}
	if err := g.c.do(ctx, http.MethodGet, "/gateway/bots", nil, nil, &resp); err != nil {
		return "", err
	}
	for _, info := range resp.Bots {
		if info.ID == g.botID {
			if info.UserID == "" {
				return "", fault.New(fault.KindOverloaded, "bot "+g.botID+" is not connected yet")
			}
			return info.UserID, nil
		}
	}
	return "", fault.New(fault.KindNotFound, "unknown bot "+g.botID)
}

func (g *GatewayClient) Send(ctx context.Context, req gateway.SendRequest) (string, error) {
	req.BotID = g.botID
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := g.c.do(ctx, http.MethodPost, "/gateway/send", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (g *GatewayClient) History(ctx context.Context, channelID string, limit int) ([]gateway.Message, error) {
	q := url.Values{
		"bot_id":     {g.botID},
		"channel_id": {channelID},
		"limit":      {strconv.Itoa(limit)},
	}
	var resp struct {
		Messages []gateway.Message `json:"messages"`
	}
	if err := g.c.do(ctx, http.MethodGet, "/gateway/messages", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (g *GatewayClient) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	req := map[string]string{
		"bot_id":     g.botID,
		"channel_id": channelID,
		"message_id": messageID,
		"name":       name,
	}
	var resp struct {
		ThreadID string `json:"thread_id"`
	}
	if err := g.c.do(ctx, http.MethodPost, "/gateway/threads", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ThreadID, nil
}
