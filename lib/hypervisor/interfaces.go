// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hypervisor defines the contract between the pool scheduler
// and a virtualization control plane.
package hypervisor

import (
	"context"
)

// VMState is the control plane's report of a VM's power state.
type VMState string

const (
	StateRunning VMState = "running"
	StateStopped VMState = "stopped"
)

// VMStatus is a point-in-time status report for one VM.
type VMStatus struct {
	ID    int
	Name  string
	State VMState
}

// NetworkConfig carries the cloud-init parameters applied to a newly
// cloned VM.
type NetworkConfig struct {
	// Address in CIDR-less form, e.g. "10.0.0.12". The prefix
	// length is supplied by the client implementation.
	Address string
	Gateway string
	DNS     string
	// Credentials configured as the cloud-init user.
	Username string
	Password string
}

// A Client manages VMs on a virtualization control plane.
//
// All methods are safe to call concurrently. Transport-level timeouts
// are the implementation's responsibility; callers only bound the
// provisioning readiness wait.
type Client interface {
	// Clone the template VM to a new VM with the given id and
	// name, apply netcfg, and start the clone.
	Clone(ctx context.Context, templateID, newID int, name string, netcfg NetworkConfig) error

	Start(ctx context.Context, id int) error

	Stop(ctx context.Context, id int) error

	// Status reports the current state of the given VM.
	Status(ctx context.Context, id int) (VMStatus, error)

	// List reports every VM on the configured node, including the
	// template and VMs not managed by the pool.
	List(ctx context.Context) ([]VMStatus, error)

	// Stop any background tasks and release other resources.
	Close()
}
