// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/ghodss/yaml"
)

// Load reads the YAML site configuration from path, applies defaults,
// and validates it. Any validation failure is fatal for service
// startup: the returned error describes the first offending key.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return load(buf)
}

func load(buf []byte) (*Config, error) {
	cfg := DefaultConfig()
	err := yaml.Unmarshal(buf, cfg)
	if err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required key is present and consistent.
func (cfg *Config) Validate() error {
	for _, check := range []struct {
		key string
		ok  bool
	}{
		{"Proxmox.Host", cfg.Proxmox.Host != ""},
		{"Proxmox.Username", cfg.Proxmox.Username != ""},
		{"Proxmox.Password", cfg.Proxmox.Password != ""},
		{"Proxmox.Node", cfg.Proxmox.Node != ""},
		{"Proxmox.TemplateVMID", cfg.Proxmox.TemplateVMID > 0},
		{"Guacamole.Host", cfg.Guacamole.Host != ""},
		{"Guacamole.Username", cfg.Guacamole.Username != ""},
		{"Guacamole.Password", cfg.Guacamole.Password != ""},
		{"Network.Subnet", cfg.Network.Subnet != ""},
		{"Network.BaseAddress", cfg.Network.BaseAddress != ""},
		{"Network.Gateway", cfg.Network.Gateway != ""},
		{"Network.DNS", cfg.Network.DNS != ""},
		{"VM.BaseLoad", cfg.VM.BaseLoad >= 0},
		{"VM.UsersPerVM", cfg.VM.UsersPerVM > 0},
		{"VM.MaxVMs", cfg.VM.MaxVMs > 0},
		{"VM.CheckInterval", cfg.VM.CheckInterval > 0},
		{"Monitoring.VMReadyTimeout", cfg.Monitoring.VMReadyTimeout > 0},
	} {
		if !check.ok {
			return fmt.Errorf("configuration: missing or invalid %s", check.key)
		}
	}
	subnet, err := netip.ParsePrefix(cfg.Network.Subnet)
	if err != nil {
		return fmt.Errorf("configuration: Network.Subnet: %w", err)
	}
	base, err := netip.ParseAddr(cfg.Network.BaseAddress)
	if err != nil {
		return fmt.Errorf("configuration: Network.BaseAddress: %w", err)
	}
	if !subnet.Contains(base) {
		return fmt.Errorf("configuration: Network.BaseAddress %s is outside Network.Subnet %s", base, subnet)
	}
	if cfg.VM.BaseLoad > cfg.VM.MaxVMs {
		return fmt.Errorf("configuration: VM.BaseLoad %d exceeds VM.MaxVMs %d", cfg.VM.BaseLoad, cfg.VM.MaxVMs)
	}
	return nil
}
