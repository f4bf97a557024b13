// Package client is the HTTP counterpart of the daemon's control surface.
// Container agents use it to reach the gateway and memory services of the
// supervising daemon; the operator CLI shares the same transport.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/superagenthq/superagent/internal/fault"
)

const defaultTimeout = 30 * time.Second

// Client talks to a running daemon. The zero value is not usable; construct
// with New.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// BaseURL returns the daemon address the client was constructed with.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fault.Wrap(fault.KindConfig, "encode request", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fault.Wrap(fault.KindConfig, "build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindTransport, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.KindTransport, "decode response", err)
	}
	return nil
}

// doText is like do but returns the raw response body, for log output.
func (c *Client) doText(ctx context.Context, method, path string, query url.Values) (string, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return "", fault.Wrap(fault.KindConfig, "build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindTransport, method+" "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Wrap(fault.KindTransport, "read response", err)
	}
	return string(raw), nil
}

// decodeError reconstructs the daemon's fault from the wire shape so the
// caller sees the same kind it would see in-process.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body fault.Body
	if err := json.Unmarshal(raw, &body); err == nil && body.ErrorKind != "" {
		fe := fault.New(fault.Kind(body.ErrorKind), body.Message)
		if body.RetryAfter > 0 {
			fe.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		}
		return fe
	}
	return fault.New(fault.KindTransport, fmt.Sprintf("unexpected status %d", resp.StatusCode))
}
