// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package proxmox implements hypervisor.Client against the Proxmox VE
// HTTP API.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.deskpool.org/deskpool.git/lib/config"
	"git.deskpool.org/deskpool.git/lib/hypervisor"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// Client talks to one Proxmox VE node. It authenticates lazily and
// re-authenticates when the API ticket expires.
type Client struct {
	logger    logrus.FieldLogger
	baseURL   string
	username  string
	password  string
	node      string
	prefixLen int
	hc        *retryablehttp.Client

	mtx    sync.Mutex
	ticket string
	csrf   string
}

// New returns a Client for the configured Proxmox endpoint. The
// network prefix length for cloned VMs is derived from
// Network.Subnet.
func New(cfg *config.Config, logger logrus.FieldLogger) (*Client, error) {
	subnet, err := netip.ParsePrefix(cfg.Network.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid Network.Subnet: %w", err)
	}
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = 3
	hc.HTTPClient.Timeout = requestTimeout
	if !cfg.Proxmox.VerifyTLS {
		hc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		logger:    logger,
		baseURL:   strings.TrimSuffix(cfg.Proxmox.Host, "/"),
		username:  cfg.Proxmox.Username,
		password:  cfg.Proxmox.Password,
		node:      cfg.Proxmox.Node,
		prefixLen: subnet.Bits(),
		hc:        hc,
	}, nil
}

// Clone implements hypervisor.Client: full-clone the template, apply
// cloud-init network config, and start the new VM.
func (c *Client) Clone(ctx context.Context, templateID, newID int, name string, netcfg hypervisor.NetworkConfig) error {
	_, err := c.post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/clone", c.node, templateID), url.Values{
		"newid":  {strconv.Itoa(newID)},
		"name":   {name},
		"full":   {"1"},
		"target": {c.node},
	})
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	_, err = c.post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", c.node, newID), url.Values{
		"ipconfig0":  {fmt.Sprintf("ip=%s/%d,gw=%s", netcfg.Address, c.prefixLen, netcfg.Gateway)},
		"nameserver": {netcfg.DNS},
		"ciuser":     {netcfg.Username},
		"cipassword": {netcfg.Password},
	})
	if err != nil {
		return fmt.Errorf("network config: %w", err)
	}
	return c.Start(ctx, newID)
}

// Start implements hypervisor.Client.
func (c *Client) Start(ctx context.Context, id int) error {
	_, err := c.post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", c.node, id), nil)
	return err
}

// Stop implements hypervisor.Client.
func (c *Client) Stop(ctx context.Context, id int) error {
	_, err := c.post(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/stop", c.node, id), nil)
	return err
}

// Status implements hypervisor.Client.
func (c *Client) Status(ctx context.Context, id int) (hypervisor.VMStatus, error) {
	body, err := c.get(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", c.node, id))
	if err != nil {
		return hypervisor.VMStatus{}, err
	}
	var current struct {
		Status string `json:"status"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(body, &current); err != nil {
		return hypervisor.VMStatus{}, fmt.Errorf("decoding status response: %w", err)
	}
	return hypervisor.VMStatus{
		ID:    id,
		Name:  current.Name,
		State: hypervisor.VMState(current.Status),
	}, nil
}

// List implements hypervisor.Client.
func (c *Client) List(ctx context.Context) ([]hypervisor.VMStatus, error) {
	body, err := c.get(ctx, fmt.Sprintf("/nodes/%s/qemu", c.node))
	if err != nil {
		return nil, err
	}
	var vms []struct {
		VMID   int    `json:"vmid"`
		Status string `json:"status"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(body, &vms); err != nil {
		return nil, fmt.Errorf("decoding list response: %w", err)
	}
	var out []hypervisor.VMStatus
	for _, vm := range vms {
		out = append(out, hypervisor.VMStatus{
			ID:    vm.VMID,
			Name:  vm.Name,
			State: hypervisor.VMState(vm.Status),
		})
	}
	return out, nil
}

// Close implements hypervisor.Client.
func (c *Client) Close() {
	c.hc.HTTPClient.CloseIdleConnections()
}

func (c *Client) authenticate(ctx context.Context) error {
	req, err := retryablehttp.NewRequest("POST", c.baseURL+"/api2/json/access/ticket", strings.NewReader(url.Values{
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
	var envelope struct {
		Data struct {
			Ticket string `json:"ticket"`
			CSRF   string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding authentication response: %w", err)
	}
	c.mtx.Lock()
	c.ticket = envelope.Data.Ticket
	c.csrf = envelope.Data.CSRF
	c.mtx.Unlock()
	c.logger.Debug("authenticated with Proxmox")
	return nil
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.request(ctx, "GET", path, nil)
}

func (c *Client) post(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return c.request(ctx, "POST", path, params)
}

// request performs one authenticated API call, authenticating first if
// needed and once more if the ticket has expired.
func (c *Client) request(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	c.mtx.Lock()
	haveTicket := c.ticket != ""
	c.mtx.Unlock()
	if !haveTicket {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}
	body, status, err := c.do(ctx, method, path, params)
	if status == http.StatusUnauthorized {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		body, _, err = c.do(ctx, method, path, params)
	}
	return body, err
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values) (json.RawMessage, int, error) {
	var reqBody io.Reader
	if params != nil {
		reqBody = strings.NewReader(params.Encode())
	}
	req, err := retryablehttp.NewRequest(method, c.baseURL+"/api2/json"+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req = req.WithContext(ctx)
	c.mtx.Lock()
	req.Header.Set("Cookie", "PVEAuthCookie="+c.ticket)
	if method != "GET" {
		req.Header.Set("CSRFPreventionToken", c.csrf)
	}
	c.mtx.Unlock()
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("%s %s: %s: %q", method, path, resp.Status, body)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding response for %s %s: %w", method, path, err)
	}
	return envelope.Data, resp.StatusCode, nil
}
