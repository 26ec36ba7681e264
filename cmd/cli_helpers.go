package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/pairgate/internal/config"
)

// apiClient talks to a running pairgate server.
type apiClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

// apiEnvelope mirrors the server's response body.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// newAPIClient builds a client from the config file. A listen host of
// 0.0.0.0 is reached through loopback.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &apiClient{
		base:  &url.URL{Scheme: "http", Host: host + ":" + strconv.Itoa(cfg.Server.Port)},
		token: cfg.Server.Token,
		http:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// do sends body as JSON and decodes the envelope's data into out. A
// response with success=false becomes an error carrying the server message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	u := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to pairgate at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s (HTTP %d)", msg, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// wsURL returns the event stream URL, carrying the token as a query
// parameter since browsers cannot set headers on WebSocket upgrades.
func (c *apiClient) wsURL() string {
	u := *c.base
	u.Scheme = "ws"
	u.Path = "/ws"
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}
	return u.String()
}
