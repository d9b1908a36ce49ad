package rvbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Pipeline holds the state shared by every routine of one invocation.
type Pipeline struct {
	Layout   Layout
	Settings *Settings
	Cache    *Cache
	Fetcher  *Fetcher

	Runner      Runner // unprivileged build commands
	RootRunner  Runner // package installation
	Interactive Runner // foreground commands that own the terminal

	// snapshot is the toolchain state probed at startup.
	snapshot ToolchainSnapshot
	// toolchainReady is set once the toolchain stage has succeeded in this run.
	toolchainReady bool
}

// NewPipeline probes the toolchain state once and wires the fetch stack.
func NewPipeline(s *Settings, cache *Cache, user, root, interactive Runner) *Pipeline {
	layout := NewLayout(s.Root)
	if cache == nil {
		cache = NewCache(layout.PkgCache)
	}
	return &Pipeline{
		Layout:      layout,
		Settings:    s,
		Cache:       cache,
		Fetcher:     NewFetcher(layout, cache, user),
		Runner:      user,
		RootRunner:  root,
		Interactive: interactive,
		snapshot:    ProbeToolchain(layout),
	}
}

// Snapshot returns the toolchain state the run is acting on.
func (p *Pipeline) Snapshot() ToolchainSnapshot {
	return p.snapshot
}

// EnsureToolchain builds the variants missing from the startup snapshot.
// Later calls in the same run are no-ops.
func (p *Pipeline) EnsureToolchain(ctx context.Context) error {
	if p.toolchainReady {
		return nil
	}
	b := NewToolchainBuilder(p.Layout, p.Settings, p.Fetcher, p.Runner)
	if err := b.Run(ctx, p.snapshot); err != nil {
		return err
	}
	p.toolchainReady = true
	return nil
}

// Clean removes every fetched and built tree under output/.
func (p *Pipeline) Clean() error {
	stepf("Removing %s", p.Layout.Output)
	if err := os.RemoveAll(p.Layout.Output); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p.Layout.Output, err)
	}
	return nil
}

// Distclean is Clean plus the cross compilers and emulator in host-tools/.
// The package cache is kept. The toolchain snapshot is probed again because
// the markers it was taken from are gone.
func (p *Pipeline) Distclean() error {
	if err := p.Clean(); err != nil {
		return err
	}
	stepf("Removing %s", p.Layout.HostTools)
	if err := os.RemoveAll(p.Layout.HostTools); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p.Layout.HostTools, err)
	}
	p.snapshot = ProbeToolchain(p.Layout)
	p.toolchainReady = false
	return nil
}

// PrintStatus reports what a board build would still have to do. The
// toolchain is probed afresh, so stages finished earlier in the same run show
// up as built.
func (p *Pipeline) PrintStatus(w io.Writer) error {
	fmt.Fprintln(w, colInfo.Sprint("Toolchain:"))
	current := ProbeToolchain(p.Layout)
	for _, v := range Variants {
		state := current.State(v)
		if state == StateBuilt {
			fmt.Fprintf(w, "  %-12s %s\n", v, colSuccess.Sprint(state))
		} else {
			fmt.Fprintf(w, "  %-12s %s\n", v, colWarn.Sprint(state))
		}
	}

	fmt.Fprintln(w, colInfo.Sprint("Emulator:"))
	qemu := filepath.Join(p.Layout.QEMUPrefix(), "bin", qemuBinary)
	fmt.Fprintf(w, "  %-12s %s\n", "qemu", presence(isExecutable(qemu)))
	_, err := os.Stat(p.Cache.FilePath(firmwareName))
	fmt.Fprintf(w, "  %-12s %s\n", "firmware", presence(err == nil))
	disk, err := findImage(p.Layout.ImagesDir())
	if err != nil {
		disk = "none"
	}
	fmt.Fprintf(w, "  %-12s %s\n", "image", disk)

	entries, err := p.Cache.Entries()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, colInfo.Sprintf("Cache (%s):", p.Cache.Dir))
	if len(entries) == 0 {
		fmt.Fprintln(w, "  empty")
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return nil
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}
