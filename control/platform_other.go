//go:build !linux

// File: control/platform_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"os"
	"runtime"
)

// RegisterPlatformProbes adds host facts useful when reading state dumps.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.pid", func() any { return os.Getpid() })
}
