// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.deskpool.org/deskpool.git/lib/cmd"
	"git.deskpool.org/deskpool.git/lib/deskpool"
	"git.deskpool.org/deskpool.git/lib/service"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"serve": service.Command("deskpool-server", deskpool.NewHandler),
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
