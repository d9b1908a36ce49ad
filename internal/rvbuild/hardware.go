package rvbuild

import (
	"runtime"
)

// buildJobs returns the -j value handed to native builds.
// An explicit override wins; otherwise the host core count is scaled by priority.
func buildJobs(priority string, override int) int {
	if override > 0 {
		return override
	}
	switch priority {
	case "idle":
		return max(runtime.NumCPU()/2, 1)
	case "superidle":
		return 1
	default: // "normal"
		return runtime.NumCPU()
	}
}

// hostArch maps GOARCH to the GNU machine name used in host-tools paths.
func hostArch() string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "riscv64":
		return "riscv64"
	case "386":
		return "i686"
	default:
		return arch
	}
}
