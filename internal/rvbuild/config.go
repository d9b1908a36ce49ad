package rvbuild

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Settings is the resolved view of Config used by the pipeline.
type Settings struct {
	Root     string
	Board    string
	Priority string
	Jobs     int

	ToolchainURL string
	ToolchainTag string
	MuslURL      string
	MuslTag      string
	QEMUURL      string
	QEMUTag      string
	FirmwareURL  string
	SDKURL       string
	SDKTag       string

	QEMUMemory string
	QEMUCPUs   int
	SSHPort    int

	PatchesDir string
}

// Pinned upstream sources. Every clone is shallow and tied to these tags.
const (
	defaultToolchainURL = "https://github.com/riscv-collab/riscv-gnu-toolchain.git"
	defaultToolchainTag = "2024.04.12"
	defaultMuslURL      = "https://git.musl-libc.org/git/musl"
	defaultMuslTag      = "v1.2.5"
	defaultQEMUURL      = "https://gitlab.com/qemu-project/qemu.git"
	defaultQEMUTag      = "v8.2.2"
	defaultFirmwareURL  = "https://github.com/riscv-software-src/opensbi/releases/download/v1.4/fw_jump.bin"
	defaultSDKURL       = "https://gitlab.com/buildroot.org/buildroot.git"
	defaultSDKTag       = "2024.02.1"
	defaultBoard        = "qemu-virt"
)

// Load the config file and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	// Merge RVBUILD_* env overrides
	mergeEnvOverrides(cfg)

	return cfg, nil
}

// Merge RVBUILD_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "RVBUILD_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// get returns the value for key or def when unset.
func (c *Config) get(key, def string) string {
	if v := c.Values[key]; v != "" {
		return v
	}
	return def
}

// getInt returns the integer value for key or def when unset or malformed.
func (c *Config) getInt(key string, def int) int {
	v := c.Values[key]
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		warnf("Ignoring invalid %s=%q", key, v)
		return def
	}
	return n
}

func initConfig(cfg *Config) *Settings {
	Debug = cfg.Values["RVBUILD_DEBUG"] == "1"
	Verbose = cfg.Values["RVBUILD_VERBOSE"] == "1"

	root := cfg.Values["RVBUILD_ROOT"]
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		} else {
			root = "."
		}
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	s := &Settings{
		Root:         root,
		Board:        cfg.get("RVBUILD_BOARD", defaultBoard),
		Priority:     cfg.get("RVBUILD_PRIORITY", "normal"),
		ToolchainURL: cfg.get("RVBUILD_TOOLCHAIN_URL", defaultToolchainURL),
		ToolchainTag: cfg.get("RVBUILD_TOOLCHAIN_TAG", defaultToolchainTag),
		MuslURL:      cfg.get("RVBUILD_MUSL_URL", defaultMuslURL),
		MuslTag:      cfg.get("RVBUILD_MUSL_TAG", defaultMuslTag),
		QEMUURL:      cfg.get("RVBUILD_QEMU_URL", defaultQEMUURL),
		QEMUTag:      cfg.get("RVBUILD_QEMU_TAG", defaultQEMUTag),
		FirmwareURL:  cfg.get("RVBUILD_FIRMWARE_URL", defaultFirmwareURL),
		SDKURL:       cfg.get("RVBUILD_SDK_URL", defaultSDKURL),
		SDKTag:       cfg.get("RVBUILD_SDK_TAG", defaultSDKTag),
		QEMUMemory:   cfg.get("RVBUILD_QEMU_MEM", "2G"),
		QEMUCPUs:     cfg.getInt("RVBUILD_QEMU_SMP", 4),
		SSHPort:      cfg.getInt("RVBUILD_SSH_PORT", 2222),
		PatchesDir:   cfg.Values["RVBUILD_PATCHES_DIR"],
	}
	s.Jobs = buildJobs(s.Priority, cfg.getInt("RVBUILD_JOBS", 0))

	debugf("=> root=%s board=%s jobs=%d\n", s.Root, s.Board, s.Jobs)
	return s
}
