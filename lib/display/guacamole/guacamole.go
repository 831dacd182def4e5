// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package guacamole implements display.Gateway against the Apache
// Guacamole HTTP API.
package guacamole

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.deskpool.org/deskpool.git/lib/config"
	"git.deskpool.org/deskpool.git/lib/display"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// Client talks to a Guacamole web application. It authenticates lazily
// and re-authenticates when the session token expires.
type Client struct {
	logger     logrus.FieldLogger
	baseURL    string
	username   string
	password   string
	dataSource string
	hc         *retryablehttp.Client

	mtx   sync.Mutex
	token string
}

// New returns a Client for the configured Guacamole endpoint.
func New(cfg *config.Config, logger logrus.FieldLogger) *Client {
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = 3
	hc.HTTPClient.Timeout = requestTimeout
	return &Client{
		logger:     logger,
		baseURL:    strings.TrimSuffix(cfg.Guacamole.Host, "/"),
		username:   cfg.Guacamole.Username,
		password:   cfg.Guacamole.Password,
		dataSource: cfg.Guacamole.DataSource,
		hc:         hc,
	}
}

// CreateConnection implements display.Gateway. The connection is
// registered under ROOT as an RDP connection with the gateway-side
// session cap set to params.MaxUsers.
func (c *Client) CreateConnection(ctx context.Context, params display.ConnectionParams) (display.ConnectionID, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"parentIdentifier": "ROOT",
		"name":             params.Name,
		"protocol":         "rdp",
		"parameters": map[string]string{
			"hostname":    params.Address,
			"port":        "3389",
			"username":    params.Username,
			"password":    params.Password,
			"ignore-cert": "true",
			"security":    "any",
		},
		"attributes": map[string]string{
			"max-connections":          strconv.Itoa(params.MaxUsers),
			"max-connections-per-user": strconv.Itoa(params.MaxUsers),
		},
	})
	if err != nil {
		return "", err
	}
	body, err := c.request(ctx, "POST", "/connections", reqBody)
	if err != nil {
		return "", fmt.Errorf("creating connection for %s: %w", params.Name, err)
	}
	var created struct {
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("decoding connection response: %w", err)
	}
	if created.Identifier == "" {
		return "", fmt.Errorf("gateway returned no connection identifier for %s", params.Name)
	}
	return display.ConnectionID(created.Identifier), nil
}

// DeleteConnection implements display.Gateway.
func (c *Client) DeleteConnection(ctx context.Context, id display.ConnectionID) error {
	_, err := c.request(ctx, "DELETE", "/connections/"+url.PathEscape(string(id)), nil)
	return err
}

// ActiveConnections implements display.Gateway.
func (c *Client) ActiveConnections(ctx context.Context) (map[string]display.ConnectionID, error) {
	body, err := c.request(ctx, "GET", "/activeConnections", nil)
	if err != nil {
		return nil, err
	}
	var active map[string]struct {
		ConnectionIdentifier string `json:"connectionIdentifier"`
	}
	if err := json.Unmarshal(body, &active); err != nil {
		return nil, fmt.Errorf("decoding active connections: %w", err)
	}
	out := map[string]display.ConnectionID{}
	for session, conn := range active {
		out[session] = display.ConnectionID(conn.ConnectionIdentifier)
	}
	return out, nil
}

// ConnectionUsage returns the number of live sessions using the given
// connection.
func (c *Client) ConnectionUsage(ctx context.Context, id display.ConnectionID) (int, error) {
	active, err := c.ActiveConnections(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, conn := range active {
		if conn == id {
			n++
		}
	}
	return n, nil
}

// Close implements display.Gateway.
func (c *Client) Close() {
	c.hc.HTTPClient.CloseIdleConnections()
}

func (c *Client) authenticate(ctx context.Context) error {
	req, err := retryablehttp.NewRequest("POST", c.baseURL+"/api/tokens", strings.NewReader(url.Values{
		"username": {c.username},
		"password": {c.password},
	}.Encode()))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("authentication request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authentication failed: %s: %q", resp.Status, body)
	}
	var auth struct {
		AuthToken string `json:"authToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("decoding authentication response: %w", err)
	}
	c.mtx.Lock()
	c.token = auth.AuthToken
	c.mtx.Unlock()
	c.logger.Debug("authenticated with Guacamole")
	return nil
}

// request performs one authenticated API call against the session data
// source, authenticating first if needed and once more if the token
// has expired.
func (c *Client) request(ctx context.Context, method, path string, reqBody []byte) (json.RawMessage, error) {
	c.mtx.Lock()
	haveToken := c.token != ""
	c.mtx.Unlock()
	if !haveToken {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}
	body, status, err := c.do(ctx, method, path, reqBody)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		body, _, err = c.do(ctx, method, path, reqBody)
	}
	return body, err
}

func (c *Client) do(ctx context.Context, method, path string, reqBody []byte) (json.RawMessage, int, error) {
	var rdr io.Reader
	if reqBody != nil {
		rdr = bytes.NewReader(reqBody)
	}
	req, err := retryablehttp.NewRequest(method, c.baseURL+"/api/session/data/"+url.PathEscape(c.dataSource)+path, rdr)
	if err != nil {
		return nil, 0, err
	}
	req = req.WithContext(ctx)
	c.mtx.Lock()
	req.Header.Set("Guacamole-Token", c.token)
	c.mtx.Unlock()
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("%s %s: %s: %q", method, path, resp.Status, body)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
