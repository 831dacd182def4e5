// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package deskpool assembles the virtual-desktop pool service: it
// connects the scheduler to the hypervisor and display-gateway
// clients and exposes the management API.
package deskpool

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"git.deskpool.org/deskpool.git/lib/config"
	"git.deskpool.org/deskpool.git/lib/deskpool/pool"
	"git.deskpool.org/deskpool.git/lib/display"
	"git.deskpool.org/deskpool.git/lib/display/guacamole"
	"git.deskpool.org/deskpool.git/lib/hypervisor"
	"git.deskpool.org/deskpool.git/lib/hypervisor/proxmox"
	"git.deskpool.org/deskpool.git/lib/service"
	"git.deskpool.org/deskpool.git/sdk/go/ctxlog"
	"git.deskpool.org/deskpool.git/sdk/go/health"
	"git.deskpool.org/deskpool.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type vmPool interface {
	Start(context.Context)
	Stop()
	CheckHealth() error
	Assign(context.Context) (pool.Assignment, error)
	Release(int)
	Status() pool.Status
}

type handler struct {
	Config   *config.Config
	Context  context.Context
	Registry *prometheus.Registry

	// Overridable for testing. Nil means use the real clients.
	NewVMClient func(*config.Config, logrus.FieldLogger) (hypervisor.Client, error)
	NewGateway  func(*config.Config, logrus.FieldLogger) display.Gateway

	logger      logrus.FieldLogger
	vmm         hypervisor.Client
	gateway     display.Gateway
	pool        vmPool
	httpHandler http.Handler

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// NewHandler implements service.NewHandlerFunc.
func NewHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	return &handler{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
}

// Start starts the service. Start can be called multiple times with no
// ill effect.
func (h *handler) Start() {
	h.setupOnce.Do(h.setup)
}

// ServeHTTP implements service.Handler.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Start()
	h.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (h *handler) CheckHealth() error {
	h.Start()
	return h.pool.CheckHealth()
}

// Done implements service.Handler.
func (h *handler) Done() <-chan struct{} {
	return h.stopped
}

// Close shuts down the scheduler and releases resources. Typically
// used in tests.
func (h *handler) Close() {
	h.Start()
	select {
	case h.stop <- struct{}{}:
	default:
	}
	<-h.stopped
}

func (h *handler) setup() {
	h.initialize()
	// Base load is established before the first request is served.
	h.pool.Start(h.Context)
	go h.run()
}

func (h *handler) initialize() {
	h.logger = ctxlog.FromContext(h.Context)
	h.stop = make(chan struct{}, 1)
	h.stopped = make(chan struct{})

	if h.NewVMClient == nil {
		h.NewVMClient = func(cfg *config.Config, logger logrus.FieldLogger) (hypervisor.Client, error) {
			return proxmox.New(cfg, logger)
		}
	}
	if h.NewGateway == nil {
		h.NewGateway = func(cfg *config.Config, logger logrus.FieldLogger) display.Gateway {
			return guacamole.New(cfg, logger)
		}
	}
	vmm, err := h.NewVMClient(h.Config, h.logger)
	if err != nil {
		h.logger.Fatalf("error initializing hypervisor client: %s", err)
	}
	h.vmm = vmm
	h.gateway = h.NewGateway(h.Config, h.logger)
	h.pool, err = pool.NewPool(h.logger, h.Registry, h.vmm, h.gateway, h.Config)
	if err != nil {
		h.logger.Fatalf("error initializing pool: %s", err)
	}

	if h.Config.Service.ManagementToken == "" {
		h.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mux := httprouter.New()
		mux.HandlerFunc("POST", "/deskpool/v1/assign", h.apiAssign)
		mux.HandlerFunc("POST", "/deskpool/v1/release", h.apiRelease)
		mux.HandlerFunc("GET", "/deskpool/v1/status", h.apiStatus)
		metricsH := promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{
			ErrorLog: h.logger,
		})
		mux.Handler("GET", "/metrics", metricsH)
		mux.Handler("GET", "/metrics.json", metricsH)
		mux.Handler("GET", "/_health/:check", &health.Handler{
			Token:  h.Config.Service.ManagementToken,
			Prefix: "/_health/",
			Routes: health.Routes{"ping": h.CheckHealth},
		})
		h.httpHandler = requireLiteralToken(h.Config.Service.ManagementToken, mux)
	}
}

func (h *handler) run() {
	defer close(h.stopped)
	defer h.vmm.Close()
	defer h.gateway.Close()
	defer h.pool.Stop()

	<-h.stop
}

// Management API: assign one user to a desktop.
func (h *handler) apiAssign(w http.ResponseWriter, r *http.Request) {
	asn, err := h.pool.Assign(r.Context())
	if pool.IsCapacityError(err) {
		httpserver.Error(w, "no desktop capacity available", http.StatusServiceUnavailable)
		return
	} else if err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(asn)
}

// Management API: release one user from the specified desktop.
func (h *handler) apiRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.FormValue("vm_id"))
	if err != nil {
		httpserver.Error(w, "vm_id parameter not provided", http.StatusBadRequest)
		return
	}
	h.pool.Release(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		VMID int `json:"vm_id"`
	}{id})
}

// Management API: pool status, enriched with the gateway's live
// session count when the gateway is reachable.
func (h *handler) apiStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		pool.Status
		ActiveSessions int `json:"active_sessions"`
	}{Status: h.pool.Status()}
	if sessions, err := h.gateway.ActiveConnections(r.Context()); err != nil {
		h.logger.WithError(err).Warn("error fetching active sessions from gateway")
	} else {
		resp.ActiveSessions = len(sessions)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// requireLiteralToken responds 401 unless the request carries the
// given token as an Authorization Bearer credential.
func requireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, "Bearer ") || strings.TrimPrefix(hdr, "Bearer ") != token {
			httpserver.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
