package rvbuild

import (
	"runtime"

	"github.com/gookit/color"
)

// Global variables
var (
	Debug      bool
	Verbose    bool
	AssumeYes  bool
	ConfigFile = "rvbuild.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time
	arch       = runtime.GOARCH

	// Global executors (assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
