package main

import (
	"os"

	"github.com/go-delve/machdump/cmd/machdump/cmds"
	"github.com/go-delve/machdump/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.MachdumpVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
