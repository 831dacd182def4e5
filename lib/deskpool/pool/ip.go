// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"encoding/binary"
	"net/netip"
)

// ipPool hands out VM addresses from a contiguous range carved out of
// the configured subnet at startup: starting at the base address and
// walking forward while the candidate stays inside the subnet, up to
// max addresses.
//
// Not goroutine safe; the Pool's lock covers it.
type ipPool struct {
	free []netip.Addr
}

func newIPPool(subnet netip.Prefix, base netip.Addr, max int) *ipPool {
	pl := &ipPool{}
	for addr := base; len(pl.free) < max && subnet.Contains(addr); addr = addr.Next() {
		pl.free = append(pl.free, addr)
	}
	return pl
}

// next removes and returns the address at the front of the free list.
// ok==false means the range is exhausted -- a hard capacity signal,
// not a transient error.
func (pl *ipPool) next() (netip.Addr, bool) {
	if len(pl.free) == 0 {
		return netip.Addr{}, false
	}
	addr := pl.free[0]
	pl.free = pl.free[1:]
	return addr, true
}

// release returns addr to the back of the free list, so the range is
// cycled first-in-first-out. Releasing an address that is already free
// is a caller bug; the duplicate is dropped rather than handed out
// twice.
func (pl *ipPool) release(addr netip.Addr) {
	for _, a := range pl.free {
		if a == addr {
			return
		}
	}
	pl.free = append(pl.free, addr)
}

// take removes addr from the free list if present, so an address
// observed on an adopted VM is never handed out again.
func (pl *ipPool) take(addr netip.Addr) {
	for i, a := range pl.free {
		if a == addr {
			pl.free = append(pl.free[:i], pl.free[i+1:]...)
			return
		}
	}
}

// addrOffset returns the address at the given offset from the start of
// subnet. Used to derive a placeholder address for VMs adopted at
// startup, whose real address is not reported by the control plane.
func addrOffset(subnet netip.Prefix, offset int) netip.Addr {
	a := subnet.Masked().Addr().As4()
	n := binary.BigEndian.Uint32(a[:]) + uint32(offset)
	binary.BigEndian.PutUint32(a[:], n)
	return netip.AddrFrom4(a)
}
