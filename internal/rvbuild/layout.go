package rvbuild

import (
	"path/filepath"
)

// Layout is the fixed directory structure below the install root.
type Layout struct {
	Root       string
	Output     string // fetched and built trees, cache materializations
	HostTools  string // cross compilers and the emulator
	BuildTools string // reserved
	PkgCache   string // name-tag keyed archives
	Patches    string
	Logs       string
}

// NewLayout derives every directory from root.
func NewLayout(root string) Layout {
	hostTools := filepath.Join(root, "host-tools")
	return Layout{
		Root:       root,
		Output:     filepath.Join(root, "output"),
		HostTools:  hostTools,
		BuildTools: filepath.Join(root, "build-tools"),
		PkgCache:   filepath.Join(root, "pkgcache"),
		Patches:    filepath.Join(root, "patches"),
		Logs:       filepath.Join(hostTools, "logs"),
	}
}

// SourceDir is where a fetched tree called name lives.
func (l Layout) SourceDir(name string) string {
	return filepath.Join(l.Output, name)
}

// VariantPrefix is the install prefix of one toolchain variant.
func (l Layout) VariantPrefix(v Variant) string {
	return filepath.Join(l.HostTools, "gcc", string(v)+"-"+hostArch())
}

// QEMUPrefix is the install prefix of the emulator.
func (l Layout) QEMUPrefix() string {
	return filepath.Join(l.HostTools, "qemu")
}
