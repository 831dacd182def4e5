// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config defines the deskpool site configuration file format
// and loads it into typed structs.
package config

import (
	"time"
)

// Config is the root of the site configuration.
type Config struct {
	Proxmox    ProxmoxConfig
	Guacamole  GuacamoleConfig
	VM         VMConfig
	Network    NetworkConfig
	Monitoring MonitoringConfig
	Service    ServiceConfig
}

// ProxmoxConfig identifies the hypervisor control plane and the
// template VM that new desktops are cloned from.
type ProxmoxConfig struct {
	// Base URL of the Proxmox VE API, e.g. "https://pve.example:8006".
	Host     string
	Username string
	Password string
	// Cluster node that hosts the template and receives clones.
	Node string
	// VMID of the golden image. Never registered in the pool.
	TemplateVMID int
	VerifyTLS    bool
}

// GuacamoleConfig identifies the remote-display gateway.
type GuacamoleConfig struct {
	// Base URL of the Guacamole web app, e.g. "https://guac.example/guacamole".
	Host     string
	Username string
	Password string
	// Guacamole data source backing the connection database.
	DataSource string
}

// VMConfig controls pool sizing and the credentials configured on
// cloned desktops (cloud-init user and RDP login).
type VMConfig struct {
	// Number of VMs provisioned at startup.
	BaseLoad int
	// Maximum concurrent users per VM.
	UsersPerVM int
	// Hard cap on pool size.
	MaxVMs int
	// Interval between health/scaling passes.
	CheckInterval Duration
	Username      string
	Password      string
}

// NetworkConfig describes the address range handed to cloned VMs.
type NetworkConfig struct {
	// CIDR the pool addresses must stay inside, e.g. "10.0.0.0/24".
	Subnet string
	// First address handed out; the allocator walks forward from
	// here.
	BaseAddress string
	Gateway     string
	DNS         string
}

type MonitoringConfig struct {
	// If false, the periodic loop skips the per-VM status pass and
	// only evaluates scaling.
	EnableHealthChecks bool
	// How long a clone may take to report "running" before
	// provisioning is abandoned.
	VMReadyTimeout Duration
}

type ServiceConfig struct {
	// host:port for the management API.
	Listen string
	// Bearer token required by the management API and health
	// endpoints. If empty, the API is disabled.
	ManagementToken string
	LogLevel        string
	LogFormat       string
}

// DefaultConfig returns a Config with the documented defaults filled
// in. Load applies it before reading the site file, so the file only
// needs to list overrides.
func DefaultConfig() *Config {
	return &Config{
		Guacamole: GuacamoleConfig{
			DataSource: "mysql",
		},
		VM: VMConfig{
			BaseLoad:      1,
			UsersPerVM:    2,
			MaxVMs:        10,
			CheckInterval: Duration(time.Minute),
			Username:      "user",
			Password:      "password",
		},
		Monitoring: MonitoringConfig{
			EnableHealthChecks: true,
			VMReadyTimeout:     Duration(5 * time.Minute),
		},
		Service: ServiceConfig{
			Listen:    ":9410",
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}
