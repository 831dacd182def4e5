// Copyright (C) The Deskpool Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Set at build time with -ldflags "-X git.deskpool.org/deskpool.git/lib/cmd.version=..."
var version = "dev"

type versionCommand struct{}

// Version is a Handler that prints the build version and exits 0.
var Version versionCommand

func (versionCommand) String() string {
	return fmt.Sprintf("%s (%s)", version, runtime.Version())
}

func (versionCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	prog = strings.TrimSuffix(prog, " -version")
	prog = strings.TrimSuffix(prog, " --version")
	prog = strings.TrimSuffix(prog, " version")
	fmt.Fprintf(stdout, "%s %s (%s)\n", prog, version, runtime.Version())
	return 0
}
