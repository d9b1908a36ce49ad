package rvbuild

import (
	"fmt"
	"path/filepath"
)

// Variant is one ABI configuration of the RISC-V cross toolchain.
type Variant string

const (
	VariantElf       Variant = "elf"
	VariantLinuxGNU  Variant = "linux-gnu"
	VariantLinuxMusl Variant = "linux-musl"
)

// Variants lists every variant in build order.
var Variants = []Variant{VariantElf, VariantLinuxGNU, VariantLinuxMusl}

// MakeTarget is the top-level make goal that builds v.
func (v Variant) MakeTarget() string {
	switch v {
	case VariantLinuxGNU:
		return "linux"
	case VariantLinuxMusl:
		return "musl"
	default:
		return ""
	}
}

// Triple is the GNU target triple of v.
func (v Variant) Triple() string {
	return "riscv64-unknown-" + string(v)
}

// Marker is the compiler executable whose presence means v is built.
func (l Layout) Marker(v Variant) string {
	return filepath.Join(l.VariantPrefix(v), "bin", v.Triple()+"-gcc")
}

// VariantState is a step in a variant's build lifecycle.
type VariantState int

const (
	StateUnbuilt VariantState = iota
	StateCleaning
	StateConfiguring
	StateBuilding
	StateBuilt
)

func (s VariantState) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateCleaning:
		return "cleaning"
	case StateConfiguring:
		return "configuring"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// isAllowedTransition encodes the only forward path through the lifecycle.
// Built is reached from Unbuilt only by probing an existing marker.
func isAllowedTransition(from, to VariantState) bool {
	switch from {
	case StateUnbuilt:
		return to == StateCleaning
	case StateCleaning:
		return to == StateConfiguring
	case StateConfiguring:
		return to == StateBuilding
	case StateBuilding:
		return to == StateBuilt
	default:
		return false
	}
}

// variantRun tracks the live state of one variant while it is being built.
type variantRun struct {
	Variant Variant
	State   VariantState
	History []VariantState
}

func newVariantRun(v Variant) *variantRun {
	return &variantRun{Variant: v, State: StateUnbuilt, History: []VariantState{StateUnbuilt}}
}

// Transition moves the run to the next state or fails with ErrInvalidState.
func (r *variantRun) Transition(to VariantState) error {
	if !isAllowedTransition(r.State, to) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidState, r.Variant, r.State, to)
	}
	debugf("toolchain %s: %s -> %s\n", r.Variant, r.State, to)
	r.State = to
	r.History = append(r.History, to)
	return nil
}

// ToolchainSnapshot is the marker state of every variant, probed once per run.
// It is never refreshed: the pipeline acts on the view it started with.
type ToolchainSnapshot struct {
	states map[Variant]VariantState
}

// ProbeToolchain inspects the marker executables below layout.
func ProbeToolchain(layout Layout) ToolchainSnapshot {
	s := ToolchainSnapshot{states: make(map[Variant]VariantState, len(Variants))}
	for _, v := range Variants {
		if isExecutable(layout.Marker(v)) {
			s.states[v] = StateBuilt
		} else {
			s.states[v] = StateUnbuilt
		}
	}
	return s
}

// State reports the probed state of v.
func (s ToolchainSnapshot) State(v Variant) VariantState {
	return s.states[v]
}

// Pending returns the unbuilt variants in build order.
func (s ToolchainSnapshot) Pending() []Variant {
	var out []Variant
	for _, v := range Variants {
		if s.states[v] != StateBuilt {
			out = append(out, v)
		}
	}
	return out
}

// Complete reports whether every variant is built.
func (s ToolchainSnapshot) Complete() bool {
	return len(s.Pending()) == 0
}

// markerExists is the post-build check for v.
func markerExists(layout Layout, v Variant) error {
	marker := layout.Marker(v)
	if !isExecutable(marker) {
		return fmt.Errorf("%w: %s", ErrMarkerMissing, marker)
	}
	return nil
}
