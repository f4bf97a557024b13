package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/superagenthq/superagent/internal/fault"
	"github.com/superagenthq/superagent/internal/gateway"
	"github.com/superagenthq/superagent/internal/supervisor"
)

// FleetList is the daemon's fleet overview.
type FleetList struct {
	Specs     []string            `json:"specs"`
	Instances []supervisor.Status `json:"instances"`
}

func (c *Client) Fleet(ctx context.Context) (FleetList, error) {
	var out FleetList
	err := c.do(ctx, http.MethodGet, "/fleet", nil, nil, &out)
	return out, err
}

func (c *Client) Deploy(ctx context.Context, agentID string) (supervisor.Status, error) {
	var out supervisor.Status
	err := c.do(ctx, http.MethodPost, "/fleet/"+url.PathEscape(agentID)+"/deploy", nil, nil, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, agentID string, graceSeconds int) (supervisor.Status, error) {
	q := url.Values{}
	if graceSeconds > 0 {
		q.Set("grace_seconds", strconv.Itoa(graceSeconds))
	}
	var out supervisor.Status
	err := c.do(ctx, http.MethodPost, "/fleet/"+url.PathEscape(agentID)+"/stop", q, nil, &out)
	return out, err
}

func (c *Client) Restart(ctx context.Context, agentID string) (supervisor.Status, error) {
	var out supervisor.Status
	err := c.do(ctx, http.MethodPost, "/fleet/"+url.PathEscape(agentID)+"/restart", nil, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, agentID string) (supervisor.Status, error) {
	var out supervisor.Status
	err := c.do(ctx, http.MethodGet, "/fleet/"+url.PathEscape(agentID)+"/status", nil, nil, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, agentID string, tail int64) (string, error) {
	q := url.Values{}
	if tail > 0 {
		q.Set("tail", strconv.FormatInt(tail, 10))
	}
	return c.doText(ctx, http.MethodGet, "/fleet/"+url.PathEscape(agentID)+"/logs", q)
}

func (c *Client) Reconcile(ctx context.Context) (FleetList, error) {
	var out FleetList
	err := c.do(ctx, http.MethodPost, "/fleet/reconcile", nil, nil, &out)
	return out, err
}

func (c *Client) Bots(ctx context.Context) ([]gateway.BotInfo, error) {
	var resp struct {
		Bots []gateway.BotInfo `json:"bots"`
	}
	err := c.do(ctx, http.MethodGet, "/gateway/bots", nil, nil, &resp)
	return resp.Bots, err
}

// GatewayHealth returns the report even when the daemon answers 503 for a
// degraded gateway; only transport and auth failures surface as errors.
func (c *Client) GatewayHealth(ctx context.Context) (gateway.HealthReport, error) {
	var out gateway.HealthReport
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway/health", nil)
	if err != nil {
		return out, fault.Wrap(fault.KindConfig, "build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fault.Wrap(fault.KindTransport, "GET /gateway/health", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return out, decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fault.Wrap(fault.KindTransport, "decode response", err)
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req gateway.SendRequest) (string, error) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/gateway/send", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}
