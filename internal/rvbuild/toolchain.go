package rvbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	toolchainSourceName = "riscv-gnu-toolchain"
	muslSourceName      = "musl"
)

// configureFlags are shared by every variant: the three builds differ only
// in prefix, make goal and the musl source pointer.
var configureFlags = []string{
	"--with-arch=rv64imafd",
	"--with-abi=lp64d",
	"--with-cmodel=medany",
	"--enable-multilib",
}

// ToolchainBuilder drives the variant state machine over one shared checkout.
type ToolchainBuilder struct {
	Layout   Layout
	Settings *Settings
	Fetcher  *Fetcher
	Runner   Runner
}

// NewToolchainBuilder wires a builder from the shared pipeline pieces.
func NewToolchainBuilder(layout Layout, s *Settings, f *Fetcher, r Runner) *ToolchainBuilder {
	return &ToolchainBuilder{Layout: layout, Settings: s, Fetcher: f, Runner: r}
}

// Run builds every variant the snapshot reports as unbuilt.
// With all markers present it returns immediately without touching the
// network or the shared sources.
func (b *ToolchainBuilder) Run(ctx context.Context, snap ToolchainSnapshot) error {
	pending := snap.Pending()
	if len(pending) == 0 {
		stepf("Toolchain up to date (%d variants built)", len(Variants))
		return nil
	}
	stepf("Building toolchain variants: %v", pending)

	srcDir, muslDir, err := b.refreshSources(ctx)
	if err != nil {
		return err
	}

	for _, v := range pending {
		if err := b.buildVariant(ctx, v, srcDir, muslDir); err != nil {
			return err
		}
	}

	stepf("Removing toolchain sources %s", srcDir)
	if err := os.RemoveAll(srcDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", srcDir, err)
	}
	return nil
}

// refreshSources discards any previous checkout of the shared sources and
// fetches them again. Only the compiler markers count as build state, so
// whatever sits in output/ from an earlier run is never trusted.
func (b *ToolchainBuilder) refreshSources(ctx context.Context) (string, string, error) {
	for _, name := range []string{toolchainSourceName, muslSourceName} {
		dir := b.Layout.SourceDir(name)
		debugf("Removing stale source tree %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", "", fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}

	srcDir, err := b.Fetcher.ClonePinned(ctx, b.Settings.ToolchainURL, toolchainSourceName, b.Settings.ToolchainTag)
	if err != nil {
		return "", "", err
	}
	muslDir, err := b.Fetcher.ClonePinned(ctx, b.Settings.MuslURL, muslSourceName, b.Settings.MuslTag)
	if err != nil {
		return "", "", err
	}
	return srcDir, muslDir, nil
}

// buildVariant walks one variant through Cleaning, Configuring, Building and Built.
func (b *ToolchainBuilder) buildVariant(ctx context.Context, v Variant, srcDir, muslDir string) error {
	run := newVariantRun(v)
	stage := "toolchain " + string(v)

	log, err := openBuildLog(b.Layout, "toolchain-"+string(v))
	if err != nil {
		return err
	}
	defer log.Close()
	out := log.Writer()

	if err := run.Transition(StateCleaning); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Cleaning shared sources for %s\n", v)
	if err := b.cleanTree(ctx, srcDir, out); err != nil {
		return err
	}

	if err := run.Transition(StateConfiguring); err != nil {
		return err
	}
	prefix := b.Layout.VariantPrefix(v)
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", prefix, err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Configuring %s (prefix %s)\n", v, prefix)
	cfg := exec.CommandContext(ctx, "./configure", configureArgs(v, prefix, muslDir)...)
	cfg.Dir = srcDir
	cfg.Stdout, cfg.Stderr = out, out
	if err := runStage(b.Runner, stage+" configure", cfg); err != nil {
		return err
	}

	if err := run.Transition(StateBuilding); err != nil {
		return err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Building %s with %d jobs\n", v, b.Settings.Jobs)
	mk := exec.CommandContext(ctx, "make", makeArgs(v, b.Settings.Jobs)...)
	mk.Dir = srcDir
	mk.Stdout, mk.Stderr = out, out
	if err := runStage(b.Runner, stage+" build", mk); err != nil {
		return err
	}

	if err := markerExists(b.Layout, v); err != nil {
		return err
	}
	if err := run.Transition(StateBuilt); err != nil {
		return err
	}

	if _, err := log.Compress(); err != nil {
		warnf("Could not compress %s: %v", log.Path, err)
	}
	stepf("Toolchain %s built", v)
	return nil
}

func configureArgs(v Variant, prefix, muslDir string) []string {
	args := append([]string{"--prefix=" + prefix}, configureFlags...)
	if v == VariantLinuxMusl {
		args = append(args, "--with-musl-src="+muslDir)
	}
	return args
}

func makeArgs(v Variant, jobs int) []string {
	args := []string{"-j" + strconv.Itoa(jobs)}
	if t := v.MakeTarget(); t != "" {
		args = append(args, t)
	}
	return args
}

// cleanTree runs "make clean" and "make distclean" in dir and then in each
// first-level subdirectory. Failures are expected on a fresh tree and ignored.
func (b *ToolchainBuilder) cleanTree(ctx context.Context, dir string, out io.Writer) error {
	dirs := []string{dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ".git" {
			subdirs = append(subdirs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(subdirs)
	dirs = append(dirs, subdirs...)

	for _, d := range dirs {
		for _, goal := range []string{"clean", "distclean"} {
			cmd := exec.CommandContext(ctx, "make", goal)
			cmd.Dir = d
			cmd.Stdout, cmd.Stderr = out, out
			if err := b.Runner.Run(cmd); err != nil {
				if ctx.Err() != nil {
					return newStageError("toolchain clean", cmd, err)
				}
				debugf("make %s in %s failed (ignored): %v\n", goal, d, err)
			}
		}
	}
	return nil
}
