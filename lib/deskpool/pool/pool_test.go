// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"context"
	"errors"
	"sort"
	"time"

	"git.deskpool.org/deskpool.git/lib/config"
	"git.deskpool.org/deskpool.git/lib/deskpool/test"
	"git.deskpool.org/deskpool.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&poolSuite{})

type poolSuite struct {
	vmm     *test.StubVMClient
	gateway *test.StubGateway
	pool    *Pool
}

func (s *poolSuite) SetUpTest(c *check.C) {
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

	s.vmm = &test.StubVMClient{}
	s.gateway = &test.StubGateway{}
	p, err := NewPool(ctxlog.TestLogger(c), prometheus.NewRegistry(), s.vmm, s.gateway, cfg)
	c.Assert(err, check.IsNil)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	s.pool = p
}

func (s *poolSuite) TestAssignProvisionsOnDemand(c *check.C) {
	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn.VMID, check.Equals, 100)
	c.Check(asn.Address, check.Equals, "10.0.0.10")
	c.Check(asn.Users, check.Equals, 1)
	c.Check(asn.ConnectionID, check.Not(check.Equals), "")

	// Second user lands on the same VM; it still has room.
	asn2, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn2.VMID, check.Equals, 100)
	c.Check(asn2.Users, check.Equals, 2)

	// Third user forces a second VM.
	asn3, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn3.VMID, check.Equals, 101)
	c.Check(asn3.Address, check.Equals, "10.0.0.11")
	c.Check(asn3.Users, check.Equals, 1)
}

func (s *poolSuite) TestAssignPrefersLowestOccupancy(c *check.C) {
	// Fill VM 100, start VM 101 with one user.
	for i := 0; i < 3; i++ {
		_, err := s.pool.Assign(context.Background())
		c.Assert(err, check.IsNil)
	}
	s.pool.Release(100)
	// VM 100 and 101 both have one user; lowest id wins.
	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn.VMID, check.Equals, 100)
}

func (s *poolSuite) TestPoolExhausted(c *check.C) {
	for i := 0; i < 6; i++ {
		_, err := s.pool.Assign(context.Background())
		c.Assert(err, check.IsNil)
	}
	_, err := s.pool.Assign(context.Background())
	c.Check(errors.Is(err, ErrPoolExhausted), check.Equals, true)
	c.Check(IsCapacityError(err), check.Equals, true)

	st := s.pool.Status()
	c.Check(st.TotalVMs, check.Equals, 3)
	c.Check(st.AvailableVMs, check.Equals, 0)
	c.Check(st.TotalUsers, check.Equals, 6)
	for _, v := range st.VMs {
		c.Check(v.Users <= 2, check.Equals, true)
	}
}

func (s *poolSuite) TestReleaseIdempotent(c *check.C) {
	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)

	s.pool.Release(asn.VMID)
	s.pool.Release(asn.VMID)
	s.pool.Release(asn.VMID)
	st := s.pool.Status()
	c.Check(st.TotalUsers, check.Equals, 0)
	c.Check(st.AvailableVMs, check.Equals, 1)

	// Unknown id is a no-op too.
	s.pool.Release(999)
	c.Check(s.pool.Status().TotalUsers, check.Equals, 0)
}

func (s *poolSuite) TestReleaseReopensFullVM(c *check.C) {
	for i := 0; i < 2; i++ {
		_, err := s.pool.Assign(context.Background())
		c.Assert(err, check.IsNil)
	}
	c.Check(s.pool.Status().AvailableVMs, check.Equals, 0)
	s.pool.Release(100)
	c.Check(s.pool.Status().AvailableVMs, check.Equals, 1)
}

func (s *poolSuite) TestProvisionFailureReleasesAddress(c *check.C) {
	s.vmm.CloneErrors = []error{errors.New("clone failed")}
	_, err := s.pool.Assign(context.Background())
	c.Check(err, check.ErrorMatches, "clone failed")
	c.Check(s.pool.Status().TotalVMs, check.Equals, 0)

	// The freed address returns to the back of the queue, so the
	// next assignment gets the next address in the range; the id is
	// never reused.
	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn.VMID, check.Equals, 101)
	c.Check(asn.Address, check.Equals, "10.0.0.11")
	c.Check(s.pool.ips.free[len(s.pool.ips.free)-1].String(), check.Equals, "10.0.0.10")
}

func (s *poolSuite) TestConcurrentProvisionFailures(c *check.C) {
	s.vmm.CloneErrors = []error{errors.New("clone failed"), errors.New("clone failed")}
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.pool.Assign(context.Background())
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		c.Check(<-errs, check.ErrorMatches, "clone failed")
	}
	c.Check(s.pool.Status().TotalVMs, check.Equals, 0)

	// Each failed pipeline released its own reserved address: the
	// full range is free again, with no duplicates.
	var free []string
	for _, addr := range s.pool.ips.free {
		free = append(free, addr.String())
	}
	sort.Strings(free)
	c.Check(free, check.DeepEquals, []string{"10.0.0.10", "10.0.0.11", "10.0.0.12"})
}

func (s *poolSuite) TestGatewayFailureCleansUp(c *check.C) {
	s.gateway.CreateErrors = []error{errors.New("gateway down")}
	_, err := s.pool.Assign(context.Background())
	c.Check(err, check.ErrorMatches, "gateway down")
	c.Check(s.pool.Status().TotalVMs, check.Equals, 0)

	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn.Address, check.Equals, "10.0.0.11")
	c.Check(s.gateway.Connections(), check.HasLen, 1)
}

func (s *poolSuite) TestEnsureBaseLoadProvisions(c *check.C) {
	err := s.pool.ensureBaseLoad(context.Background())
	c.Assert(err, check.IsNil)
	st := s.pool.Status()
	c.Assert(st.TotalVMs, check.Equals, 1)
	c.Check(st.VMs[0].ID, check.Equals, 100)
	c.Check(st.VMs[0].Address, check.Equals, "10.0.0.10")
	c.Check(st.VMs[0].State, check.Equals, StateRunning)
	c.Check(st.AvailableVMs, check.Equals, 1)
}

func (s *poolSuite) TestEnsureBaseLoadAdoptsExisting(c *check.C) {
	s.vmm.AddVM(vmStatus(105, "existing-desktop", "running"))
	s.vmm.AddVM(vmStatus(9000, "template", "running"))
	s.vmm.AddVM(vmStatus(50, "unrelated", "stopped"))

	err := s.pool.ensureBaseLoad(context.Background())
	c.Assert(err, check.IsNil)
	st := s.pool.Status()
	c.Assert(st.TotalVMs, check.Equals, 1)
	c.Check(st.VMs[0].ID, check.Equals, 105)
	c.Check(st.VMs[0].Name, check.Equals, "existing-desktop")
	c.Check(st.VMs[0].Address, check.Equals, "10.0.0.105")
	c.Check(s.vmm.CloneCalls, check.Equals, 0)

	// New ids continue above the adopted one.
	for i := 0; i < 2; i++ {
		_, err := s.pool.Assign(context.Background())
		c.Assert(err, check.IsNil)
	}
	asn, err := s.pool.Assign(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(asn.VMID, check.Equals, 106)
}

func (s *poolSuite) TestAdoptVMIDBeyondSubnetRange(c *check.C) {
	// A VMID too large for the /24 yields a placeholder outside the
	// subnet; the VM is still adopted and the allocator's own range
	// is untouched.
	s.vmm.AddVM(vmStatus(300, "big-id", "running"))
	err := s.pool.ensureBaseLoad(context.Background())
	c.Assert(err, check.IsNil)
	st := s.pool.Status()
	c.Assert(st.TotalVMs, check.Equals, 1)
	c.Check(st.VMs[0].ID, check.Equals, 300)
	c.Check(st.VMs[0].Address, check.Equals, "10.0.1.44")
	c.Check(s.pool.ips.free, check.HasLen, 3)
}

func (s *poolSuite) TestStartStop(c *check.C) {
	ctx := context.Background()
	s.pool.Start(ctx)
	c.Check(s.pool.CheckHealth(), check.IsNil)
	s.pool.Stop()
	c.Check(s.pool.CheckHealth(), check.NotNil)
	// Stop is idempotent.
	s.pool.Stop()
}
