// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"context"
	"errors"

	"git.deskpool.org/deskpool.git/lib/hypervisor"
	check "gopkg.in/check.v1"
)

func vmStatus(id int, name string, state hypervisor.VMState) hypervisor.VMStatus {
	return hypervisor.VMStatus{ID: id, Name: name, State: state}
}

var _ = check.Suite(&monitorSuite{})

// monitorSuite drives single monitoring passes directly instead of
// running the loop.
type monitorSuite struct {
	poolSuite
}

func (s *monitorSuite) TestHealthDemotesStoppedVM(c *check.C) {
	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)

	s.vmm.ForceState = hypervisor.StateStopped
	s.pool.checkHealth(context.Background())

	st := s.pool.Status()
	c.Assert(st.TotalVMs, check.Equals, 1)
	c.Check(st.VMs[0].State, check.Equals, StateStopped)
	c.Check(st.AvailableVMs, check.Equals, 0)
	// Demotion does not disconnect the assigned user.
	c.Check(st.TotalUsers, check.Equals, 1)

	// Releasing from a stopped VM does not make it assignable.
	s.pool.Release(asn.VMID)
	c.Check(s.pool.Status().AvailableVMs, check.Equals, 0)
}

func (s *monitorSuite) TestHealthRecoveryKeepsVMOutOfRotation(c *check.C) {
	_, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)

	s.vmm.ForceState = hypervisor.StateStopped
	s.pool.checkHealth(context.Background())
	s.vmm.ForceState = ""
	s.pool.checkHealth(context.Background())

	st := s.pool.Status()
	c.Check(st.VMs[0].State, check.Equals, StateRunning)
	// Recovery is observed but the VM stays out of the available
	// set until a release re-admits it.
	c.Check(st.AvailableVMs, check.Equals, 0)
	c.Check(st.VMs[0].LastHealthCheck.IsZero(), check.Equals, false)
}

func (s *monitorSuite) TestHealthErrorMarksVM(c *check.C) {
	_, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)

	s.vmm.StatusError = errors.New("connection refused")
	s.pool.checkHealth(context.Background())

	st := s.pool.Status()
	c.Check(st.VMs[0].State, check.Equals, StateError)
	c.Check(st.AvailableVMs, check.Equals, 0)
}

func (s *monitorSuite) TestScaleProvisionsWhenCapacityLow(c *check.C) {
	c.Assert(s.pool.scale(context.Background()), check.IsNil)
	st := s.pool.Status()
	c.Check(st.TotalVMs, check.Equals, 1)
	c.Check(st.AvailableVMs, check.Equals, 1)

	// Spare capacity is now at the watermark; no further growth.
	c.Assert(s.pool.scale(context.Background()), check.IsNil)
	c.Check(s.pool.Status().TotalVMs, check.Equals, 1)
	c.Check(s.vmm.CloneCalls, check.Equals, 1)
}

func (s *monitorSuite) TestScaleStopsAtMaxVMs(c *check.C) {
	for i := 0; i < 6; i++ {
		_, err := s.pool.Assign(context.Background())
		c.Assert(err, check.IsNil)
	}
	c.Assert(s.pool.scale(context.Background()), check.IsNil)
	c.Check(s.pool.Status().TotalVMs, check.Equals, 3)
}

func (s *monitorSuite) TestScalePropagatesProvisionFailure(c *check.C) {
	s.vmm.CloneErrors = []error{errors.New("clone failed")}
	err := s.pool.scale(context.Background())
	c.Check(err, check.ErrorMatches, "clone failed")
	c.Check(s.pool.Status().TotalVMs, check.Equals, 0)
}

func (s *monitorSuite) TestTickSkipsHealthWhenDisabled(c *check.C) {
	_, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)

	s.pool.healthChecks = false
	s.vmm.ForceState = hypervisor.StateStopped
	c.Assert(s.pool.tick(context.Background()), check.IsNil)
	c.Check(s.pool.Status().VMs[0].State, check.Equals, StateRunning)
}
