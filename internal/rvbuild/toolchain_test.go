package rvbuild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// toolchainSim imitates the riscv-gnu-toolchain build: configure writes
// config.status and refuses to run over an existing one, distclean removes
// it, and the top-level make installs the marker of whatever prefix was
// configured.
type toolchainSim struct {
	layout       Layout
	skipMarker   bool
	failBuildFor Variant
}

func (s *toolchainSim) hook(cmd *exec.Cmd) error {
	if err := cloneHook(cmd); err != nil {
		return err
	}
	status := filepath.Join(cmd.Dir, "config.status")
	switch cmd.Args[0] {
	case "./configure":
		if _, err := os.Stat(status); err == nil {
			return fmt.Errorf("stale configuration in %s", cmd.Dir)
		}
		return os.WriteFile(status, []byte(strings.Join(cmd.Args[1:], "\n")), 0o644)
	case "make":
		goal := cmd.Args[len(cmd.Args)-1]
		switch {
		case goal == "clean":
			return nil
		case goal == "distclean":
			if _, err := os.Stat(status); err != nil {
				return errors.New("no configuration to remove")
			}
			return os.Remove(status)
		}
		v := VariantElf
		for _, cand := range Variants {
			if cand.MakeTarget() != "" && cand.MakeTarget() == goal {
				v = cand
			}
		}
		if v == s.failBuildFor {
			return errors.New("make: *** [Makefile] Error 2")
		}
		if s.skipMarker {
			return nil
		}
		data, err := os.ReadFile(status)
		if err != nil {
			return err
		}
		if !strings.Contains(string(data), "--prefix="+s.layout.VariantPrefix(v)) {
			return fmt.Errorf("make %s ran over a tree configured for another variant", goal)
		}
		marker := s.layout.Marker(v)
		if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
			return err
		}
		return os.WriteFile(marker, []byte("#!/bin/sh\n"), 0o755)
	}
	return nil
}

func newToolchainTest(t *testing.T) (*ToolchainBuilder, *fakeRunner, *toolchainSim) {
	t.Helper()
	root := t.TempDir()
	layout := NewLayout(root)
	sim := &toolchainSim{layout: layout}
	r := &fakeRunner{hook: sim.hook}
	f := NewFetcher(layout, NewCache(layout.PkgCache), r)
	return NewToolchainBuilder(layout, testSettings(root), f, r), r, sim
}

func configureCalls(r *fakeRunner) []recordedCall {
	return r.callsTo("./configure")
}

func TestToolchainBuildsPendingVariantsInOrder(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	src := b.Layout.SourceDir(toolchainSourceName)
	musl := b.Layout.SourceDir(muslSourceName)

	require.NoError(t, b.Run(context.Background(), ProbeToolchain(b.Layout)))

	cfgs := configureCalls(r)
	require.Len(t, cfgs, 3)
	for i, v := range Variants {
		assert.Equal(t, src, cfgs[i].Dir)
		assert.Equal(t, "--prefix="+b.Layout.VariantPrefix(v), cfgs[i].Args[1])
		assert.Subset(t, cfgs[i].Args, configureFlags)
		if v == VariantLinuxMusl {
			assert.Contains(t, cfgs[i].Args, "--with-musl-src="+musl)
		} else {
			assert.NotContains(t, strings.Join(cfgs[i].Args, " "), "--with-musl-src")
		}
		assert.FileExists(t, b.Layout.Marker(v))
		assert.FileExists(t, filepath.Join(b.Layout.Logs, "toolchain-"+string(v)+".log.xz"))
	}

	builds := r.callsTo("make", "-j4")
	require.Len(t, builds, 3)
	assert.Equal(t, []string{"make", "-j4"}, builds[0].Args)
	assert.Equal(t, []string{"make", "-j4", "linux"}, builds[1].Args)
	assert.Equal(t, []string{"make", "-j4", "musl"}, builds[2].Args)

	assert.NoDirExists(t, src, "shared toolchain source is removed after a full build")
	assert.DirExists(t, musl)
}

func TestToolchainSecondRunIsNoop(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	ctx := context.Background()

	require.NoError(t, b.Run(ctx, ProbeToolchain(b.Layout)))
	first := len(r.calls)
	require.NotZero(t, first)

	snap := ProbeToolchain(b.Layout)
	require.True(t, snap.Complete())
	require.NoError(t, b.Run(ctx, snap))
	assert.Len(t, r.calls, first, "no command may run once every marker exists")
}

func TestToolchainAllMarkersPresentSkipsFetch(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	for _, v := range Variants {
		makeMarker(t, b.Layout, v)
	}

	require.NoError(t, b.Run(context.Background(), ProbeToolchain(b.Layout)))
	assert.Empty(t, r.calls)
	assert.NoDirExists(t, b.Layout.Output)
	assert.NoDirExists(t, b.Layout.PkgCache)
}

func TestToolchainVariantIsolation(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	src := b.Layout.SourceDir(toolchainSourceName)

	// The simulated configure fails on leftover configuration, so success
	// already proves each variant started from a distcleaned tree.
	require.NoError(t, b.Run(context.Background(), ProbeToolchain(b.Layout)))

	cmds := r.commands()
	lastDistclean := -1
	for i, c := range r.calls {
		if c.Dir == src && strings.Join(c.Args, " ") == "make distclean" {
			lastDistclean = i
		}
		if c.Args[0] == "./configure" {
			require.NotEqual(t, -1, lastDistclean, "configure before any distclean: %v", cmds)
			lastDistclean = -1
		}
	}

	cfgs := configureCalls(r)
	require.Len(t, cfgs, 3)
	gnu := strings.Join(cfgs[1].Args, " ")
	assert.NotContains(t, gnu, b.Layout.VariantPrefix(VariantElf))
	assert.Contains(t, gnu, b.Layout.VariantPrefix(VariantLinuxGNU))
}

func TestToolchainCleansFirstLevelSubdirectories(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	src := b.Layout.SourceDir(toolchainSourceName)

	require.NoError(t, b.Run(context.Background(), ProbeToolchain(b.Layout)))

	var subClean int
	for _, c := range r.callsTo("make", "distclean") {
		if c.Dir == filepath.Join(src, "sub") {
			subClean++
		}
	}
	assert.Equal(t, 3, subClean)
}

func TestToolchainPartialStateRefetchesSharedSources(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	makeMarker(t, b.Layout, VariantElf)
	makeMarker(t, b.Layout, VariantLinuxGNU)

	// Sources left from an earlier run are discarded, not trusted.
	writeFile(t, filepath.Join(b.Layout.SourceDir(toolchainSourceName), "stale"), "x", 0o644)

	snap := ProbeToolchain(b.Layout)
	assert.Equal(t, []Variant{VariantLinuxMusl}, snap.Pending())
	require.NoError(t, b.Run(context.Background(), snap))

	clones := r.callsTo("git", "clone")
	require.Len(t, clones, 2)
	cfgs := configureCalls(r)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "--prefix="+b.Layout.VariantPrefix(VariantLinuxMusl), cfgs[0].Args[1])
}

func TestToolchainColdRunUsesCachedSources(t *testing.T) {
	b, r, _ := newToolchainTest(t)
	ctx := context.Background()
	require.NoError(t, b.Run(ctx, ProbeToolchain(b.Layout)))
	require.Len(t, r.callsTo("git", "clone"), 2)

	require.NoError(t, os.RemoveAll(b.Layout.HostTools))
	require.NoError(t, b.Run(ctx, ProbeToolchain(b.Layout)))

	assert.Len(t, r.callsTo("git", "clone"), 2, "sources come from pkgcache on the second cold run")
	assert.Len(t, configureCalls(r), 6)
}

func TestToolchainMissingMarkerIsFatal(t *testing.T) {
	b, r, sim := newToolchainTest(t)
	sim.skipMarker = true

	err := b.Run(context.Background(), ProbeToolchain(b.Layout))
	require.ErrorIs(t, err, ErrMarkerMissing)
	assert.Len(t, configureCalls(r), 1, "later variants are not attempted")
	assert.DirExists(t, b.Layout.SourceDir(toolchainSourceName))
}

func TestToolchainBuildFailureStopsRun(t *testing.T) {
	b, r, sim := newToolchainTest(t)
	sim.failBuildFor = VariantLinuxGNU

	err := b.Run(context.Background(), ProbeToolchain(b.Layout))
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "toolchain linux-gnu build", stageErr.Stage)
	assert.Equal(t, []string{"make", "-j4", "linux"}, stageErr.Command)

	assert.Len(t, configureCalls(r), 2)
	assert.FileExists(t, b.Layout.Marker(VariantElf))
	assert.NoFileExists(t, b.Layout.Marker(VariantLinuxMusl))
	assert.FileExists(t, filepath.Join(b.Layout.Logs, "toolchain-linux-gnu.log"), "failed stage keeps its plain log")
}
