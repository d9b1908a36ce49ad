package rvbuild

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// appliedPatchesFile records, inside the SDK tree, the digest of the plan
// that tree was patched with.
const appliedPatchesFile = ".rvbuild-patches"

// PatchPlan is the ordered list of mutations applied to an SDK tree.
// Scripts always run before diffs; each list is sorted by file name.
type PatchPlan struct {
	Scripts []string
	Diffs   []string
}

// Empty reports whether the plan has nothing to apply.
func (p PatchPlan) Empty() bool {
	return len(p.Scripts) == 0 && len(p.Diffs) == 0
}

// ScanPatches builds the plan from dir. Executable regular files are
// scripts, files ending in .diff are diffs, anything else is ignored.
// A missing directory yields an empty plan.
func ScanPatches(dir string) (PatchPlan, error) {
	var plan PatchPlan
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			debugf("No patch directory at %s\n", dir)
			return plan, nil
		}
		return plan, fmt.Errorf("failed to read patch directory %s: %w", dir, err)
	}

	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case strings.HasSuffix(e.Name(), ".diff"):
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				plan.Diffs = append(plan.Diffs, path)
			}
		case isExecutable(path):
			plan.Scripts = append(plan.Scripts, path)
		}
	}
	sort.Strings(plan.Scripts)
	sort.Strings(plan.Diffs)
	return plan, nil
}

// ApplyPatches runs every script with sdkRoot as its only argument, then
// applies every diff with "git apply" from inside sdkRoot. git apply refuses
// fuzz, so a diff must match the tree exactly. The first failure stops the
// pipeline; nothing already applied is rolled back.
func ApplyPatches(ctx context.Context, r Runner, plan PatchPlan, sdkRoot string) error {
	for _, script := range plan.Scripts {
		colArrow.Print("-> ")
		colSuccess.Printf("Running patch script %s\n", filepath.Base(script))
		cmd := exec.CommandContext(ctx, script, sdkRoot)
		cmd.Dir = sdkRoot
		if err := runStage(r, "patch script "+filepath.Base(script), cmd); err != nil {
			return err
		}
	}

	for _, diff := range plan.Diffs {
		colArrow.Print("-> ")
		colSuccess.Printf("Applying %s\n", filepath.Base(diff))
		cmd := exec.CommandContext(ctx, "git", "apply", "--verbose", diff)
		cmd.Dir = sdkRoot
		if err := runStage(r, "patch diff "+filepath.Base(diff), cmd); err != nil {
			return err
		}
	}
	return nil
}

// Digest identifies the plan by the names and contents of its files.
func (p PatchPlan) Digest() (string, error) {
	h := blake3.New(32, nil)
	add := func(kind string, paths []string) error {
		for _, path := range paths {
			fmt.Fprintf(h, "%s\x00%s\x00", kind, filepath.Base(path))
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("failed to hash %s: %w", path, err)
			}
			h.Write([]byte{0})
		}
		return nil
	}
	if err := add("script", p.Scripts); err != nil {
		return "", err
	}
	if err := add("diff", p.Diffs); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ApplyPatchesOnce applies plan to a tree that has not seen it yet and
// records it. A tree already carrying the same plan is left alone. A tree
// patched with a different plan is rejected: its diffs cannot be undone here.
func ApplyPatchesOnce(ctx context.Context, r Runner, plan PatchPlan, sdkRoot string) error {
	digest, err := plan.Digest()
	if err != nil {
		return err
	}
	stamp := filepath.Join(sdkRoot, appliedPatchesFile)
	recorded, err := os.ReadFile(stamp)
	switch {
	case err == nil:
		if strings.TrimSpace(string(recorded)) == digest {
			debugf("Patch set %s already applied to %s\n", digest[:12], sdkRoot)
			return nil
		}
		return fmt.Errorf("%w: %s was patched with a different patch set; run clean first",
			ErrPartialState, sdkRoot)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to read %s: %w", stamp, err)
	}

	if !plan.Empty() {
		stepf("Applying %d patch scripts and %d diffs", len(plan.Scripts), len(plan.Diffs))
	}
	if err := ApplyPatches(ctx, r, plan, sdkRoot); err != nil {
		return err
	}
	return os.WriteFile(stamp, []byte(digest+"\n"), 0o644)
}
