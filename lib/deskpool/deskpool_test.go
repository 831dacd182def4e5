// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package deskpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"git.deskpool.org/deskpool.git/lib/config"
	"git.deskpool.org/deskpool.git/lib/deskpool/test"
	"git.deskpool.org/deskpool.git/lib/display"
	"git.deskpool.org/deskpool.git/lib/hypervisor"
	"git.deskpool.org/deskpool.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

const testToken = "xyzzy-management-token"

var _ = check.Suite(&handlerSuite{})

type handlerSuite struct {
	h       *handler
	vmm     *test.StubVMClient
	gateway *test.StubGateway
}

func (s *handlerSuite) SetUpTest(c *check.C) {
	cfg := config.DefaultConfig()
	cfg.Proxmox.TemplateVMID = 9000
	cfg.VM.BaseLoad = 1
	cfg.VM.UsersPerVM = 2
	cfg.VM.MaxVMs = 3
	cfg.VM.CheckInterval = config.Duration(time.Hour)
	cfg.Monitoring.VMReadyTimeout = config.Duration(time.Minute)
	cfg.Network.Subnet = "10.0.0.0/24"
	cfg.Network.BaseAddress = "10.0.0.10"
	cfg.Network.Gateway = "10.0.0.1"
	cfg.Network.DNS = "10.0.0.1"
	cfg.Service.ManagementToken = testToken

	s.vmm = &test.StubVMClient{}
	s.gateway = &test.StubGateway{}
	s.h = &handler{
		Config:   cfg,
		Context:  ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry: prometheus.NewRegistry(),
		NewVMClient: func(*config.Config, logrus.FieldLogger) (hypervisor.Client, error) {
			return s.vmm, nil
		},
		NewGateway: func(*config.Config, logrus.FieldLogger) display.Gateway {
			return s.gateway
		},
	}
}

func (s *handlerSuite) TearDownTest(c *check.C) {
	s.h.Close()
}

func (s *handlerSuite) req(method, path, token string, form url.Values) *httptest.ResponseRecorder {
	var r *http.Request
	if form != nil {
		r = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.h.ServeHTTP(w, r)
	return w
}

func (s *handlerSuite) TestAuthRequired(c *check.C) {
	c.Check(s.req("GET", "/deskpool/v1/status", "", nil).Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.req("GET", "/deskpool/v1/status", "wrong-token", nil).Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.req("GET", "/deskpool/v1/status", testToken, nil).Code, check.Equals, http.StatusOK)
}

func (s *handlerSuite) TestDisabledWithoutToken(c *check.C) {
	s.h.Config.Service.ManagementToken = ""
	c.Check(s.req("GET", "/deskpool/v1/status", "", nil).Code, check.Equals, http.StatusForbidden)
}

func (s *handlerSuite) TestAssignReleaseStatus(c *check.C) {
	w := s.req("POST", "/deskpool/v1/assign", testToken, url.Values{})
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Header().Get("Content-Type"), check.Equals, "application/json")
	var asn struct {
		VMID  int `json:"vm_id"`
		Users int `json:"users"`
	}
	c.Assert(json.NewDecoder(w.Body).Decode(&asn), check.IsNil)
	c.Check(asn.Users, check.Equals, 1)

	w = s.req("GET", "/deskpool/v1/status", testToken, nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Header().Get("Content-Type"), check.Equals, "application/json")
	var st struct {
		TotalUsers     int `json:"total_users"`
		TotalVMs       int `json:"total_vms"`
		ActiveSessions int `json:"active_sessions"`
	}
	c.Assert(json.NewDecoder(w.Body).Decode(&st), check.IsNil)
	c.Check(st.TotalUsers, check.Equals, 1)
	c.Check(st.TotalVMs >= 1, check.Equals, true)

	w = s.req("POST", "/deskpool/v1/release", testToken, url.Values{"vm_id": {"100"}})
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Header().Get("Content-Type"), check.Equals, "application/json")
	w = s.req("GET", "/deskpool/v1/status", testToken, nil)
	c.Assert(json.NewDecoder(w.Body).Decode(&st), check.IsNil)
	c.Check(st.TotalUsers, check.Equals, 0)
}

func (s *handlerSuite) TestReleaseWithoutID(c *check.C) {
	c.Check(s.req("POST", "/deskpool/v1/release", testToken, url.Values{}).Code, check.Equals, http.StatusBadRequest)
}

func (s *handlerSuite) TestAssignExhausted(c *check.C) {
	s.h.Config.VM.MaxVMs = 1
	for i := 0; i < 2; i++ {
		c.Assert(s.req("POST", "/deskpool/v1/assign", testToken, url.Values{}).Code, check.Equals, http.StatusOK)
	}
	w := s.req("POST", "/deskpool/v1/assign", testToken, url.Values{})
	c.Check(w.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(w.Body.String(), check.Matches, `(?s).*no desktop capacity available.*`)
}

func (s *handlerSuite) TestMetrics(c *check.C) {
	w := s.req("GET", "/metrics", testToken, nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Body.String(), check.Matches, `(?s).*deskpool_pool_instances_total.*`)
}

func (s *handlerSuite) TestHealthPing(c *check.C) {
	w := s.req("GET", "/_health/ping", testToken, nil)
	c.Assert(w.Code, check.Equals, http.StatusOK)
	c.Check(w.Body.String(), check.Matches, `{"health":"OK"}\n?`)
}
