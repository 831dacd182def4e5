// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pool implements the virtual-desktop pool scheduler. It
// tracks the lifecycle state of every VM it manages, assigns desktops
// to users spreading load across the pool, provisions new VMs when
// spare capacity runs low, and verifies VM health on a fixed interval.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"git.deskpool.org/deskpool.git/lib/config"
	"git.deskpool.org/deskpool.git/lib/display"
	"git.deskpool.org/deskpool.git/lib/hypervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// First VMID handed to a cloned VM. Leaves room below for
	// templates and manually managed VMs.
	firstVMID = 100

	// Interval between readiness polls during provisioning.
	readyPollInterval = 5 * time.Second

	// Spare user capacity below which the scaling pass provisions
	// another VM.
	lowCapacityWatermark = 2

	// Backoff after an unexpected monitor failure, instead of the
	// configured check interval.
	monitorFailureDelay = 5 * time.Second
)

var (
	// ErrPoolExhausted means the pool is at MaxVMs. Expected under
	// full load; not logged as an error.
	ErrPoolExhausted = errors.New("VM pool is at maximum size")

	// ErrNoFreeAddress means the address range is used up.
	ErrNoFreeAddress = errors.New("no free address in pool range")

	errStopped = errors.New("pool has been stopped")
)

// IsCapacityError reports whether err is an expected capacity signal
// rather than a provisioning failure.
func IsCapacityError(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrNoFreeAddress)
}

// Pool is the scheduler. A zero Pool is not usable; call NewPool.
//
// Locking discipline: mtx guards vms, available, nextID and ips. It is
// never held across a remote call. Methods named *Locked must be
// called with mtx held.
type Pool struct {
	logger  logrus.FieldLogger
	vmm     hypervisor.Client
	gateway display.Gateway

	templateID    int
	baseLoad      int
	usersPerVM    int
	maxVMs        int
	checkInterval time.Duration
	readyTimeout  time.Duration
	healthChecks  bool
	subnet        netip.Prefix
	netGateway    string
	netDNS        string
	vmUsername    string
	vmPassword    string

	mtx       sync.Mutex
	vms       map[int]*vm
	available map[int]bool
	nextID    int
	ips       *ipPool

	started  bool
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// test hooks
	timeNow func() time.Time
	sleep   func(context.Context, time.Duration) error

	mInstances    prometheus.Gauge
	mAvailable    prometheus.Gauge
	mUsers        prometheus.Gauge
	mProvisioning prometheus.Gauge
}

// NewPool creates a Pool backed by the given hypervisor and display
// gateway clients. The address range is precomputed here; a subnet too
// small for MaxVMs simply yields a shorter range, and the allocator
// running dry is reported as a capacity signal at provisioning time.
func NewPool(logger logrus.FieldLogger, reg *prometheus.Registry, vmm hypervisor.Client, gateway display.Gateway, cfg *config.Config) (*Pool, error) {
	subnet, err := netip.ParsePrefix(cfg.Network.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid Network.Subnet: %w", err)
	}
	base, err := netip.ParseAddr(cfg.Network.BaseAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid Network.BaseAddress: %w", err)
	}
	if !subnet.Addr().Is4() {
		return nil, fmt.Errorf("only IPv4 subnets are supported, got %s", subnet)
	}
	p := &Pool{
		logger:        logger,
		vmm:           vmm,
		gateway:       gateway,
		templateID:    cfg.Proxmox.TemplateVMID,
		baseLoad:      cfg.VM.BaseLoad,
		usersPerVM:    cfg.VM.UsersPerVM,
		maxVMs:        cfg.VM.MaxVMs,
		checkInterval: cfg.VM.CheckInterval.Duration(),
		readyTimeout:  cfg.Monitoring.VMReadyTimeout.Duration(),
		healthChecks:  cfg.Monitoring.EnableHealthChecks,
		subnet:        subnet,
		netGateway:    cfg.Network.Gateway,
		netDNS:        cfg.Network.DNS,
		vmUsername:    cfg.VM.Username,
		vmPassword:    cfg.VM.Password,
		vms:           map[int]*vm{},
		available:     map[int]bool{},
		nextID:        firstVMID,
		ips:           newIPPool(subnet, base, cfg.VM.MaxVMs),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		timeNow:       time.Now,
		sleep:         sleepCtx,
	}
	p.registerMetrics(reg)
	return p, nil
}

// Start adopts pre-existing VMs, brings the pool up to its base load,
// and launches the health & scaling loop. Errors while establishing
// the base load are logged but do not prevent startup; the scaling
// pass keeps trying.
func (p *Pool) Start(ctx context.Context) {
	if err := p.ensureBaseLoad(ctx); err != nil {
		p.logger.WithError(err).Error("error ensuring base load")
	}
	p.started = true
	go p.runMonitor(ctx)
	p.logger.WithFields(logrus.Fields{
		"BaseLoad": p.baseLoad,
		"MaxVMs":   p.maxVMs,
	}).Info("pool started")
}

// Stop terminates the health & scaling loop and waits for it to exit.
// The external clients remain usable until the caller closes them,
// which must happen only after Stop returns.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started {
		<-p.stopped
	}
}

// CheckHealth implements the service health check.
func (p *Pool) CheckHealth() error {
	select {
	case <-p.stop:
		return errStopped
	default:
		return nil
	}
}

// Assign places one user on a VM and returns an immutable snapshot of
// the assignment. It prefers the eligible VM with the lowest current
// occupancy (ties broken by lowest id), and provisions a new VM when
// none is eligible. A capacity error means the pool cannot take more
// users until someone releases.
func (p *Pool) Assign(ctx context.Context) (Assignment, error) {
	p.mtx.Lock()
	v := p.pickLocked()
	if v == nil {
		p.mtx.Unlock()
		created, err := p.createVM(ctx)
		if err != nil {
			return Assignment{}, err
		}
		p.mtx.Lock()
		// The new VM may have been claimed to capacity, or
		// demoted, while we were unlocked. Fall back to a
		// fresh scan in that case.
		if p.available[created] {
			v = p.vms[created]
		} else {
			v = p.pickLocked()
		}
		if v == nil {
			p.mtx.Unlock()
			return Assignment{}, ErrPoolExhausted
		}
	}
	v.users++
	if v.users >= p.usersPerVM {
		delete(p.available, v.id)
	}
	asn := Assignment{
		VMID:         v.id,
		Address:      v.addr.String(),
		ConnectionID: v.connectionID,
		Users:        v.users,
	}
	p.updateMetricsLocked()
	p.mtx.Unlock()
	p.logger.WithFields(logrus.Fields{
		"VMID":  asn.VMID,
		"Users": asn.Users,
	}).Info("assigned user to VM")
	return asn, nil
}

// Release removes one user from the given VM. Unknown ids and VMs
// already at zero occupancy are no-ops: releases are expected to race
// with health-driven demotion and provisioning-failure cleanup.
func (p *Pool) Release(id int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	v, ok := p.vms[id]
	if !ok || v.users == 0 {
		return
	}
	v.users--
	if v.state == StateRunning && v.users < p.usersPerVM {
		p.available[id] = true
	}
	p.updateMetricsLocked()
	p.logger.WithFields(logrus.Fields{
		"VMID":  id,
		"Users": v.users,
	}).Info("released user from VM")
}

// Status returns a snapshot of the pool, VMs sorted by id.
func (p *Pool) Status() Status {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	st := Status{
		TotalVMs:     len(p.vms),
		AvailableVMs: len(p.available),
	}
	for _, v := range p.vms {
		st.TotalUsers += v.users
		st.VMs = append(st.VMs, v.view())
	}
	sort.Slice(st.VMs, func(i, j int) bool { return st.VMs[i].ID < st.VMs[j].ID })
	return st
}

// pickLocked returns the eligible VM with the lowest occupancy, ties
// broken by lowest id, or nil if none. Caller must have lock.
func (p *Pool) pickLocked() *vm {
	var best *vm
	for id := range p.available {
		v := p.vms[id]
		if v == nil || v.state != StateRunning || v.users >= p.usersPerVM {
			continue
		}
		if best == nil || v.users < best.users || (v.users == best.users && v.id < best.id) {
			best = v
		}
	}
	return best
}

// createVM runs the provisioning pipeline for one new VM and returns
// its id. The record is inserted in StateCreating before any remote
// call: the record itself is the reservation that keeps concurrent
// pipelines from overshooting MaxVMs. Any remote failure drops the
// record and releases its address.
func (p *Pool) createVM(ctx context.Context) (int, error) {
	p.mtx.Lock()
	if len(p.vms) >= p.maxVMs {
		p.mtx.Unlock()
		return 0, ErrPoolExhausted
	}
	addr, ok := p.ips.next()
	if !ok {
		p.mtx.Unlock()
		return 0, ErrNoFreeAddress
	}
	id := p.nextID
	p.nextID++
	v := &vm{
		id:        id,
		name:      fmt.Sprintf("desk-%d", id),
		addr:      addr,
		state:     StateCreating,
		createdAt: p.timeNow(),
	}
	p.vms[id] = v
	p.updateMetricsLocked()
	p.mtx.Unlock()

	logger := p.logger.WithFields(logrus.Fields{
		"VMID":    id,
		"Address": addr.String(),
	})
	logger.Info("provisioning VM")

	err := p.vmm.Clone(ctx, p.templateID, id, v.name, hypervisor.NetworkConfig{
		Address:  addr.String(),
		Gateway:  p.netGateway,
		DNS:      p.netDNS,
		Username: p.vmUsername,
		Password: p.vmPassword,
	})
	if err == nil {
		err = p.waitReady(ctx, id)
	}
	var connID display.ConnectionID
	if err == nil {
		connID, err = p.gateway.CreateConnection(ctx, display.ConnectionParams{
			Name:     v.name,
			Address:  addr.String(),
			Username: p.vmUsername,
			Password: p.vmPassword,
			MaxUsers: p.usersPerVM,
		})
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if err != nil {
		delete(p.vms, id)
		p.ips.release(addr)
		p.updateMetricsLocked()
		logger.WithError(err).Error("provisioning failed")
		return 0, err
	}
	v.connectionID = connID
	v.state = StateRunning
	p.available[id] = true
	p.updateMetricsLocked()
	logger.Info("VM provisioned and ready")
	return id, nil
}

// waitReady polls the remote status until the VM reports running, or
// gives up after the configured ready timeout.
func (p *Pool) waitReady(ctx context.Context, id int) error {
	attempts := int(p.readyTimeout / readyPollInterval)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		st, err := p.vmm.Status(ctx, id)
		if err == nil && st.State == hypervisor.StateRunning {
			return nil
		}
		if err := p.sleep(ctx, readyPollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("VM %d not ready after %s", id, p.readyTimeout)
}

// ensureBaseLoad reconciles against pre-existing VMs and provisions up
// to the configured base load.
func (p *Pool) ensureBaseLoad(ctx context.Context) error {
	existing, err := p.vmm.List(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("error listing existing VMs; skipping adoption")
	}
	running := 0
	for _, st := range existing {
		if st.State == hypervisor.StateRunning {
			running++
		}
	}
	p.logger.WithFields(logrus.Fields{
		"Running":  running,
		"BaseLoad": p.baseLoad,
	}).Info("reconciling pre-existing VMs")
	for _, st := range existing {
		if st.State != hypervisor.StateRunning || st.ID == p.templateID {
			continue
		}
		p.adoptVM(st)
	}
	for {
		p.mtx.Lock()
		n := len(p.vms)
		p.mtx.Unlock()
		if n >= p.baseLoad {
			return nil
		}
		if _, err := p.createVM(ctx); err != nil {
			return err
		}
	}
}

// adoptVM registers a VM that was already running when the scheduler
// started, directly in StateRunning. The control plane does not report
// the VM's address, so a placeholder derived from its id is used; if
// that address sits inside the allocator's range it is taken out of
// the free list to keep pool addresses unique.
func (p *Pool) adoptVM(st hypervisor.VMStatus) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if len(p.vms) >= p.maxVMs {
		return
	}
	if _, ok := p.vms[st.ID]; ok {
		return
	}
	addr := addrOffset(p.subnet, st.ID)
	if !p.subnet.Contains(addr) {
		p.logger.WithFields(logrus.Fields{
			"VMID":    st.ID,
			"Address": addr.String(),
		}).Warn("placeholder address for adopted VM is outside the configured subnet")
	}
	p.ips.take(addr)
	name := st.Name
	if name == "" {
		name = fmt.Sprintf("existing-vm-%d", st.ID)
	}
	p.vms[st.ID] = &vm{
		id:        st.ID,
		name:      name,
		addr:      addr,
		state:     StateRunning,
		createdAt: p.timeNow(),
	}
	p.available[st.ID] = true
	if st.ID >= p.nextID {
		p.nextID = st.ID + 1
	}
	p.updateMetricsLocked()
	p.logger.WithField("VMID", st.ID).Info("adopted pre-existing VM")
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deskpool",
		Subsystem: "pool",
		Name:      "instances_total",
		Help:      "Number of VMs tracked by the pool, including ones still provisioning.",
	})
	reg.MustRegister(p.mInstances)
	p.mAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deskpool",
		Subsystem: "pool",
		Name:      "instances_available",
		Help:      "Number of VMs eligible for new user assignments.",
	})
	reg.MustRegister(p.mAvailable)
	p.mUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deskpool",
		Subsystem: "pool",
		Name:      "users_assigned",
		Help:      "Number of users currently assigned across all VMs.",
	})
	reg.MustRegister(p.mUsers)
	p.mProvisioning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deskpool",
		Subsystem: "pool",
		Name:      "instances_creating",
		Help:      "Number of provisioning pipelines in flight.",
	})
	reg.MustRegister(p.mProvisioning)
}

// caller must have lock.
func (p *Pool) updateMetricsLocked() {
	var users, creating int
	for _, v := range p.vms {
		users += v.users
		if v.state == StateCreating {
			creating++
		}
	}
	p.mInstances.Set(float64(len(p.vms)))
	p.mAvailable.Set(float64(len(p.available)))
	p.mUsers.Set(float64(users))
	p.mProvisioning.Set(float64(creating))
}

// sleepCtx sleeps for d, returning early with the context's error if
// it is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
