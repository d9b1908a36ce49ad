package rvbuild

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const sdkSourceName = "buildroot"

// Board is a buildable target of the SDK.
type Board struct {
	Name        string
	Defconfig   string
	Description string
	// Toolchain is the variant the SDK is pointed at as its external toolchain.
	Toolchain Variant
	// Options are extra defconfig settings describing that toolchain.
	Options map[string]string
}

var boards = map[string]Board{
	"qemu-virt": {
		Name:        "qemu-virt",
		Defconfig:   "qemu_riscv64_virt_defconfig",
		Description: "QEMU virt machine, boots under the run command",
		Toolchain:   VariantLinuxGNU,
		Options: map[string]string{
			"BR2_TOOLCHAIN_EXTERNAL_GCC_13":       "y",
			"BR2_TOOLCHAIN_EXTERNAL_HEADERS_6_6":  "y",
			"BR2_TOOLCHAIN_EXTERNAL_CUSTOM_GLIBC": "y",
			"BR2_TOOLCHAIN_EXTERNAL_CXX":          "y",
			"BR2_TARGET_ROOTFS_EXT2":              "y",
			"BR2_TARGET_ROOTFS_EXT2_4":            "y",
			"BR2_TARGET_ROOTFS_TAR":               "",
		},
	},
	"visionfive2": {
		Name:        "visionfive2",
		Defconfig:   "visionfive2_defconfig",
		Description: "StarFive VisionFive 2 SD card image",
		Toolchain:   VariantLinuxGNU,
		Options: map[string]string{
			"BR2_TOOLCHAIN_EXTERNAL_GCC_13":       "y",
			"BR2_TOOLCHAIN_EXTERNAL_HEADERS_6_6":  "y",
			"BR2_TOOLCHAIN_EXTERNAL_CUSTOM_GLIBC": "y",
			"BR2_TOOLCHAIN_EXTERNAL_CXX":          "y",
		},
	},
}

// lookupBoard returns the board called name.
func lookupBoard(name string) (Board, bool) {
	b, ok := boards[name]
	return b, ok
}

// boardNames lists the known boards in name order.
func boardNames() []string {
	names := make([]string, 0, len(boards))
	for n := range boards {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// sdkDir is the SDK checkout below the output root.
func (l Layout) sdkDir() string {
	return l.SourceDir(sdkSourceName)
}

// ImagesDir is where the SDK leaves kernels and disk images.
func (l Layout) ImagesDir() string {
	return filepath.Join(l.sdkDir(), "output", "images")
}

// BuildBoard runs the full pipeline for board: toolchain, host dependencies,
// SDK fetch, tool injection, path patching, patches and the native build.
func (p *Pipeline) BuildBoard(ctx context.Context, board Board) error {
	stepf("Building board %s", board.Name)

	if err := p.EnsureToolchain(ctx); err != nil {
		return err
	}
	p.InstallDeps(ctx)

	sdk, err := p.Fetcher.ClonePinned(ctx, p.Settings.SDKURL, sdkSourceName, p.Settings.SDKTag)
	if err != nil {
		return err
	}

	if err := injectToolchains(p.Layout, sdk); err != nil {
		return err
	}
	if err := patchBoardPaths(p.Layout, sdk, board); err != nil {
		return err
	}

	plan, err := ScanPatches(p.patchesDir())
	if err != nil {
		return err
	}
	if err := ApplyPatchesOnce(ctx, p.Runner, plan, sdk); err != nil {
		return err
	}

	return p.buildSDK(ctx, board, sdk)
}

func (p *Pipeline) patchesDir() string {
	if p.Settings.PatchesDir != "" {
		return p.Settings.PatchesDir
	}
	return p.Layout.Patches
}

// buildSDK hands over to the SDK's own make-based build.
func (p *Pipeline) buildSDK(ctx context.Context, board Board, sdk string) error {
	log, err := openBuildLog(p.Layout, "board-"+board.Name)
	if err != nil {
		return err
	}
	defer log.Close()
	out := log.Writer()

	stage := "board " + board.Name
	stepf("Configuring SDK with %s", board.Defconfig)
	cfg := exec.CommandContext(ctx, "make", board.Defconfig)
	cfg.Dir = sdk
	cfg.Stdout, cfg.Stderr = out, out
	if err := runStage(p.Runner, stage+" configure", cfg); err != nil {
		return err
	}

	stepf("Running SDK build with %d jobs (log: %s)", p.Settings.Jobs, log.Path)
	mk := exec.CommandContext(ctx, "make", fmt.Sprintf("-j%d", p.Settings.Jobs))
	mk.Dir = sdk
	mk.Stdout, mk.Stderr = out, out
	if err := runStage(p.Runner, stage+" build", mk); err != nil {
		return err
	}

	if _, err := log.Compress(); err != nil {
		warnf("Could not compress %s: %v", log.Path, err)
	}
	stepf("Board %s built, images in %s", board.Name, p.Layout.ImagesDir())
	return nil
}

// injectToolchains links every built variant into <sdk>/toolchains/<variant>
// so the SDK configuration can refer to them by a stable in-tree path.
func injectToolchains(layout Layout, sdk string) error {
	dir := filepath.Join(sdk, "toolchains")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, v := range Variants {
		link := filepath.Join(dir, string(v))
		target := layout.VariantPrefix(v)
		if cur, err := os.Readlink(link); err == nil && cur == target {
			continue
		}
		if err := os.RemoveAll(link); err != nil {
			return fmt.Errorf("failed to replace %s: %w", link, err)
		}
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("failed to link %s -> %s: %w", link, target, err)
		}
		debugf("Injected %s -> %s\n", link, target)
	}
	return nil
}

// Placeholders understood in board defconfigs.
const (
	placeholderToolchain = "@RVBUILD_TOOLCHAIN@"
	placeholderHostTools = "@RVBUILD_HOST_TOOLS@"
)

// patchBoardPaths points the board defconfig at the injected toolchain:
// placeholders are expanded and the external-toolchain options are set.
func patchBoardPaths(layout Layout, sdk string, board Board) error {
	path := filepath.Join(sdk, "configs", board.Defconfig)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read defconfig %s: %w", path, err)
	}

	toolchainDir := filepath.Join(sdk, "toolchains", string(board.Toolchain))
	text := strings.NewReplacer(
		placeholderToolchain, toolchainDir,
		placeholderHostTools, layout.HostTools,
	).Replace(string(data))

	opts := map[string]string{
		"BR2_TOOLCHAIN_EXTERNAL":               "y",
		"BR2_TOOLCHAIN_EXTERNAL_CUSTOM":        "y",
		"BR2_TOOLCHAIN_EXTERNAL_PATH":          `"` + toolchainDir + `"`,
		"BR2_TOOLCHAIN_EXTERNAL_CUSTOM_PREFIX": `"` + board.Toolchain.Triple() + `"`,
	}
	for k, v := range board.Options {
		opts[k] = v
	}

	text = setDefconfigOptions(text, opts)
	if text == string(data) {
		return nil
	}
	debugf("Rewriting %s\n", path)
	return os.WriteFile(path, []byte(text), 0o644)
}

// setDefconfigOptions sets each key in text, replacing "KEY=..." and
// "# KEY is not set" lines and appending keys that are absent.
// An empty value disables the option.
func setDefconfigOptions(text string, opts map[string]string) string {
	render := func(k, v string) string {
		if v == "" {
			return "# " + k + " is not set"
		}
		return k + "=" + v
	}

	seen := make(map[string]bool, len(opts))
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		key := defconfigKey(line)
		if v, ok := opts[key]; ok && key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
			line = render(key, v)
		}
		lines = append(lines, line)
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, render(k, opts[k]))
	}
	return strings.Join(lines, "\n") + "\n"
}

// defconfigKey extracts the option name from a defconfig line.
func defconfigKey(line string) string {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "# "); ok {
		if name, ok := strings.CutSuffix(rest, " is not set"); ok {
			return name
		}
		return ""
	}
	if i := strings.IndexByte(line, '='); i > 0 {
		return line[:i]
	}
	return ""
}
