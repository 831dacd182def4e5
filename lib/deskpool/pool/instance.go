// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"net/netip"
	"time"

	"git.deskpool.org/deskpool.git/lib/display"
)

// State indicates where a pool VM is in its lifecycle.
type State int

const (
	StateCreating State = iota // provisioning pipeline in progress
	StateRunning               // confirmed running, may accept users
	StateStopped               // remote status was not "running"
	StateError                 // unrecoverable, kept for observability
)

var stateString = map[State]string{
	StateCreating: "creating",
	StateRunning:  "running",
	StateStopped:  "stopped",
	StateError:    "error",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// a State uses its string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// vm is one pool member. All fields are guarded by the Pool's mutex.
type vm struct {
	id              int
	name            string
	addr            netip.Addr
	state           State
	connectionID    display.ConnectionID
	createdAt       time.Time
	users           int // current occupancy; 0 <= users <= UsersPerVM
	lastHealthCheck time.Time
}

// An Assignment is the immutable snapshot handed to a caller when a
// user is placed on a VM. It reflects the moment of assignment only.
type Assignment struct {
	VMID         int                  `json:"vm_id"`
	Address      string               `json:"address"`
	ConnectionID display.ConnectionID `json:"connection_id"`
	Users        int                  `json:"users"`
}

// An InstanceView shows one pool member's current state for the
// management API.
type InstanceView struct {
	ID              int                  `json:"id"`
	Name            string               `json:"name"`
	Address         string               `json:"address"`
	State           State                `json:"state"`
	ConnectionID    display.ConnectionID `json:"connection_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	Users           int                  `json:"users"`
	LastHealthCheck time.Time            `json:"last_health_check,omitempty"`
}

// A Status summarizes the pool.
type Status struct {
	TotalVMs     int            `json:"total_vms"`
	AvailableVMs int            `json:"available_vms"`
	TotalUsers   int            `json:"total_users"`
	VMs          []InstanceView `json:"vms"`
}

func (v *vm) view() InstanceView {
	return InstanceView{
		ID:              v.id,
		Name:            v.name,
		Address:         v.addr.String(),
		State:           v.state,
		ConnectionID:    v.connectionID,
		CreatedAt:       v.createdAt,
		Users:           v.users,
		LastHealthCheck: v.lastHealthCheck,
	}
}
