package rvbuild

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordedCall is one command seen by fakeRunner.
type recordedCall struct {
	Args []string
	Dir  string
}

func (c recordedCall) String() string {
	return strings.Join(c.Args, " ")
}

// fakeRunner records commands instead of running them. hook, when set,
// decides the outcome and may mutate the filesystem the way the real tool would.
type fakeRunner struct {
	calls []recordedCall
	hook  func(cmd *exec.Cmd) error
}

func (f *fakeRunner) Run(cmd *exec.Cmd) error {
	f.calls = append(f.calls, recordedCall{Args: append([]string(nil), cmd.Args...), Dir: cmd.Dir})
	if f.hook != nil {
		return f.hook(cmd)
	}
	return nil
}

// commands returns the recorded argv strings.
func (f *fakeRunner) commands() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

// callsTo returns the calls whose argv starts with prefix.
func (f *fakeRunner) callsTo(prefix ...string) []recordedCall {
	var out []recordedCall
	for _, c := range f.calls {
		if len(c.Args) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if c.Args[i] != p {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

// makeMarker creates an executable compiler marker for v.
func makeMarker(t *testing.T, layout Layout, v Variant) {
	t.Helper()
	writeFile(t, layout.Marker(v), "#!/bin/sh\n", 0o755)
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

// testSettings returns settings rooted at root with fixed pins and jobs.
func testSettings(root string) *Settings {
	return &Settings{
		Root:         root,
		Board:        defaultBoard,
		Priority:     "normal",
		Jobs:         4,
		ToolchainURL: "https://example.invalid/riscv-gnu-toolchain.git",
		ToolchainTag: "2024.04.12",
		MuslURL:      "https://example.invalid/musl.git",
		MuslTag:      "v1.2.5",
		QEMUURL:      "https://example.invalid/qemu.git",
		QEMUTag:      "v8.2.2",
		FirmwareURL:  "https://example.invalid/fw_jump.bin",
		SDKURL:       "https://example.invalid/buildroot.git",
		SDKTag:       "2024.02.1",
		QEMUMemory:   "2G",
		QEMUCPUs:     4,
		SSHPort:      2222,
	}
}

// cloneHook makes "git clone" create its destination with a README and a
// subdirectory, like a real checkout would.
func cloneHook(cmd *exec.Cmd) error {
	if len(cmd.Args) > 1 && cmd.Args[0] == "git" && cmd.Args[1] == "clone" {
		dest := cmd.Args[len(cmd.Args)-1]
		if err := os.MkdirAll(filepath.Join(dest, "sub"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dest, "README"), []byte(dest+"\n"), 0o644)
	}
	return nil
}
