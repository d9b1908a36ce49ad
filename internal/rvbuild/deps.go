package rvbuild

import (
	"context"
	"os/exec"
)

// hostPackages are the Debian/Ubuntu packages the toolchain, SDK and
// emulator builds expect on the host.
var hostPackages = []string{
	"autoconf",
	"automake",
	"autotools-dev",
	"bc",
	"bison",
	"build-essential",
	"cpio",
	"curl",
	"file",
	"flex",
	"gawk",
	"git",
	"gperf",
	"libexpat-dev",
	"libglib2.0-dev",
	"libgmp-dev",
	"libmpc-dev",
	"libmpfr-dev",
	"libncurses-dev",
	"libpixman-1-dev",
	"libslirp-dev",
	"libtool",
	"ninja-build",
	"patchutils",
	"python3",
	"python3-venv",
	"rsync",
	"texinfo",
	"unzip",
	"wget",
	"zlib1g-dev",
}

// InstallDeps installs hostPackages one at a time through the root runner.
// A package that fails to install is reported and skipped: the build that
// actually needs it will fail later with a clearer error.
func (p *Pipeline) InstallDeps(ctx context.Context) {
	stepf("Installing host dependencies")

	update := exec.CommandContext(ctx, "apt-get", "update")
	if err := p.RootRunner.Run(update); err != nil {
		warnf("apt-get update failed: %v", err)
	}

	var failed []string
	for _, pkg := range hostPackages {
		cmd := exec.CommandContext(ctx, "apt-get", "install", "-y", pkg)
		if err := p.RootRunner.Run(cmd); err != nil {
			if ctx.Err() != nil {
				return
			}
			debugf("apt-get install %s failed: %v\n", pkg, err)
			failed = append(failed, pkg)
		}
	}
	if len(failed) > 0 {
		warnf("Could not install %d packages: %v", len(failed), failed)
	}
}
