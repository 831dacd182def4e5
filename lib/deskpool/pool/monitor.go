// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"context"
	"time"

	"git.deskpool.org/deskpool.git/lib/hypervisor"
	"github.com/sirupsen/logrus"
)

// runMonitor runs the health & scaling loop until ctx is cancelled or
// Stop is called. Exactly one monitor goroutine runs per Pool.
func (p *Pool) runMonitor(ctx context.Context) {
	defer close(p.stopped)
	for {
		delay := p.checkInterval
		if err := p.tick(ctx); err != nil {
			p.logger.WithError(err).Error("monitoring pass failed")
			delay = monitorFailureDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick performs one monitoring pass: a health sweep over the pool
// followed by a scaling decision. Per-VM health errors are contained
// within the sweep; only infrastructure failures propagate.
func (p *Pool) tick(ctx context.Context) error {
	if p.healthChecks {
		p.checkHealth(ctx)
	}
	return p.scale(ctx)
}

// checkHealth probes every settled VM and reconciles its lifecycle
// state with what the hypervisor reports. VMs still provisioning are
// skipped so the sweep never races the pipeline's own status polling.
// A VM demoted here keeps its occupancy count; assigned users are not
// disconnected by a health observation.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mtx.Lock()
	ids := make([]int, 0, len(p.vms))
	for id, v := range p.vms {
		if v.state != StateCreating {
			ids = append(ids, id)
		}
	}
	p.mtx.Unlock()

	for _, id := range ids {
		st, err := p.vmm.Status(ctx, id)
		now := p.timeNow()
		p.mtx.Lock()
		v, ok := p.vms[id]
		if !ok || v.state == StateCreating {
			p.mtx.Unlock()
			continue
		}
		logger := p.logger.WithField("VMID", id)
		switch {
		case err != nil:
			v.state = StateError
			delete(p.available, id)
			logger.WithError(err).Warn("health check failed")
		case st.State == hypervisor.StateRunning:
			v.state = StateRunning
			v.lastHealthCheck = now
		default:
			if v.state == StateRunning {
				logger.WithField("RemoteState", st.State).Warn("VM no longer running")
			}
			v.state = StateStopped
			delete(p.available, id)
		}
		p.updateMetricsLocked()
		p.mtx.Unlock()
	}
}

// scale provisions one VM per pass while spare user capacity is below
// the watermark and the pool is under its maximum size. Capacity
// signals are expected at the boundary and do not fail the pass.
func (p *Pool) scale(ctx context.Context) error {
	p.mtx.Lock()
	capacity := len(p.available) * p.usersPerVM
	total := len(p.vms)
	p.mtx.Unlock()
	if capacity >= lowCapacityWatermark || total >= p.maxVMs {
		return nil
	}
	p.logger.WithFields(logrus.Fields{
		"AvailableCapacity": capacity,
		"TotalVMs":          total,
	}).Info("capacity low, provisioning VM")
	if _, err := p.createVM(ctx); err != nil && !IsCapacityError(err) {
		return err
	}
	return nil
}
