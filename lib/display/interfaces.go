// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package display defines the contract between the pool scheduler and
// a remote-display gateway.
package display

import (
	"context"
)

// ConnectionID is the gateway's opaque handle for a configured
// connection.
type ConnectionID string

// ConnectionParams describes the connection registered for one VM.
type ConnectionParams struct {
	Name    string
	Address string
	// Credentials sent to the VM's RDP server.
	Username string
	Password string
	// Concurrent-session cap enforced by the gateway; matches the
	// pool's per-VM user capacity.
	MaxUsers int
}

// A Gateway manages remote-display connections.
//
// All methods are safe to call concurrently.
type Gateway interface {
	// CreateConnection registers a connection routing user
	// sessions to the given VM address.
	CreateConnection(ctx context.Context, params ConnectionParams) (ConnectionID, error)

	DeleteConnection(ctx context.Context, id ConnectionID) error

	// ActiveConnections maps live session identifiers to the
	// connection each session is using. Available as a usage
	// signal; the scheduler's own occupancy counts do not depend
	// on it.
	ActiveConnections(ctx context.Context) (map[string]ConnectionID, error)

	// Stop any background tasks and release other resources.
	Close()
}
