// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stub hypervisor and display-gateway clients
// for testing the scheduler without real infrastructure.
package test

import (
	"context"
	"fmt"
	"sync"

	"git.deskpool.org/deskpool.git/lib/display"
	"git.deskpool.org/deskpool.git/lib/hypervisor"
)

// StubVMClient implements hypervisor.Client in memory. The zero value
// is a working client with no VMs.
//
// Error hooks make the next matching call fail once, simulating a
// control plane that errors and recovers.
type StubVMClient struct {
	mtx sync.Mutex
	vms map[int]hypervisor.VMStatus

	// Queue of errors returned by the next Clone calls, one each.
	CloneErrors []error
	// If set, Status reports this state instead of the stored one.
	ForceState hypervisor.VMState
	// If set, Status returns this error.
	StatusError error
	// If set, List returns this error.
	ListError error

	CloneCalls int
	Closed     bool
}

// AddVM seeds a pre-existing VM, as seen by List and Status.
func (s *StubVMClient) AddVM(st hypervisor.VMStatus) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.vms == nil {
		s.vms = map[int]hypervisor.VMStatus{}
	}
	s.vms[st.ID] = st
}

func (s *StubVMClient) Clone(ctx context.Context, templateID, newID int, name string, netcfg hypervisor.NetworkConfig) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.CloneCalls++
	if len(s.CloneErrors) > 0 {
		err := s.CloneErrors[0]
		s.CloneErrors = s.CloneErrors[1:]
		if err != nil {
			return err
		}
	}
	if s.vms == nil {
		s.vms = map[int]hypervisor.VMStatus{}
	}
	if _, ok := s.vms[newID]; ok {
		return fmt.Errorf("VM %d already exists", newID)
	}
	s.vms[newID] = hypervisor.VMStatus{ID: newID, Name: name, State: hypervisor.StateRunning}
	return nil
}

func (s *StubVMClient) Start(ctx context.Context, id int) error {
	return s.setState(id, hypervisor.StateRunning)
}

func (s *StubVMClient) Stop(ctx context.Context, id int) error {
	return s.setState(id, hypervisor.StateStopped)
}

func (s *StubVMClient) setState(id int, state hypervisor.VMState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	st, ok := s.vms[id]
	if !ok {
		return fmt.Errorf("no such VM %d", id)
	}
	st.State = state
	s.vms[id] = st
	return nil
}

func (s *StubVMClient) Status(ctx context.Context, id int) (hypervisor.VMStatus, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.StatusError != nil {
		return hypervisor.VMStatus{}, s.StatusError
	}
	st, ok := s.vms[id]
	if !ok {
		return hypervisor.VMStatus{}, fmt.Errorf("no such VM %d", id)
	}
	if s.ForceState != "" {
		st.State = s.ForceState
	}
	return st, nil
}

func (s *StubVMClient) List(ctx context.Context) ([]hypervisor.VMStatus, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.ListError != nil {
		return nil, s.ListError
	}
	var out []hypervisor.VMStatus
	for _, st := range s.vms {
		out = append(out, st)
	}
	return out, nil
}

func (s *StubVMClient) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.Closed = true
}

// StubGateway implements display.Gateway in memory. The zero value is
// a working gateway with no connections.
type StubGateway struct {
	mtx         sync.Mutex
	connections map[display.ConnectionID]display.ConnectionParams
	nextID      int

	// Queue of errors returned by the next CreateConnection calls.
	CreateErrors []error
	// Sessions reported by ActiveConnections.
	Active map[string]display.ConnectionID

	Closed bool
}

func (s *StubGateway) CreateConnection(ctx context.Context, params display.ConnectionParams) (display.ConnectionID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.CreateErrors) > 0 {
		err := s.CreateErrors[0]
		s.CreateErrors = s.CreateErrors[1:]
		if err != nil {
			return "", err
		}
	}
	if s.connections == nil {
		s.connections = map[display.ConnectionID]display.ConnectionParams{}
	}
	s.nextID++
	id := display.ConnectionID(fmt.Sprintf("conn-%d", s.nextID))
	s.connections[id] = params
	return id, nil
}

func (s *StubGateway) DeleteConnection(ctx context.Context, id display.ConnectionID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.connections[id]; !ok {
		return fmt.Errorf("no such connection %q", id)
	}
	delete(s.connections, id)
	return nil
}

func (s *StubGateway) ActiveConnections(ctx context.Context) (map[string]display.ConnectionID, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := map[string]display.ConnectionID{}
	for session, conn := range s.Active {
		out[session] = conn
	}
	return out, nil
}

// Connections returns the registered connection parameters keyed by id.
func (s *StubGateway) Connections() map[display.ConnectionID]display.ConnectionParams {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := map[display.ConnectionID]display.ConnectionParams{}
	for id, params := range s.connections {
		out[id] = params
	}
	return out
}

func (s *StubGateway) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.Closed = true
}
