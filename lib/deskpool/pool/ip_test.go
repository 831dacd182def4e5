// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"net/netip"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ipPoolSuite{})

type ipPoolSuite struct{}

func (s *ipPoolSuite) TestRange(c *check.C) {
	pl := newIPPool(netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddr("10.0.0.10"), 3)
	c.Check(pl.free, check.HasLen, 3)
	c.Check(pl.free[0].String(), check.Equals, "10.0.0.10")
	c.Check(pl.free[2].String(), check.Equals, "10.0.0.12")
}

func (s *ipPoolSuite) TestRangeClippedBySubnet(c *check.C) {
	pl := newIPPool(netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddr("10.0.0.254"), 10)
	c.Check(pl.free, check.HasLen, 2)
	c.Check(pl.free[1].String(), check.Equals, "10.0.0.255")
}

func (s *ipPoolSuite) TestNextReleaseRoundTrip(c *check.C) {
	pl := newIPPool(netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddr("10.0.0.10"), 2)
	a1, ok := pl.next()
	c.Assert(ok, check.Equals, true)
	a2, ok := pl.next()
	c.Assert(ok, check.Equals, true)
	c.Check(a1.String(), check.Equals, "10.0.0.10")
	c.Check(a2.String(), check.Equals, "10.0.0.11")

	_, ok = pl.next()
	c.Check(ok, check.Equals, false)

	// Released addresses come back in release order, not numeric
	// order.
	pl.release(a2)
	pl.release(a1)
	got, ok := pl.next()
	c.Assert(ok, check.Equals, true)
	c.Check(got, check.Equals, a2)
	got, ok = pl.next()
	c.Assert(ok, check.Equals, true)
	c.Check(got, check.Equals, a1)
}

func (s *ipPoolSuite) TestDoubleReleaseDropped(c *check.C) {
	pl := newIPPool(netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddr("10.0.0.10"), 2)
	a, ok := pl.next()
	c.Assert(ok, check.Equals, true)
	pl.release(a)
	pl.release(a)
	c.Check(pl.free, check.HasLen, 2)
}

func (s *ipPoolSuite) TestTake(c *check.C) {
	pl := newIPPool(netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddr("10.0.0.10"), 3)
	pl.take(netip.MustParseAddr("10.0.0.11"))
	c.Check(pl.free, check.HasLen, 2)
	a1, _ := pl.next()
	a2, _ := pl.next()
	c.Check(a1.String(), check.Equals, "10.0.0.10")
	c.Check(a2.String(), check.Equals, "10.0.0.12")

	// Taking an address outside the free list changes nothing.
	pl.take(netip.MustParseAddr("10.0.0.99"))
	c.Check(pl.free, check.HasLen, 0)
}

func (s *ipPoolSuite) TestAddrOffset(c *check.C) {
	subnet := netip.MustParsePrefix("10.0.0.0/24")
	c.Check(addrOffset(subnet, 100).String(), check.Equals, "10.0.0.100")
	c.Check(addrOffset(netip.MustParsePrefix("192.168.4.0/22"), 101).String(), check.Equals, "192.168.4.101")
}
