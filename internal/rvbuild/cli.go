package rvbuild

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: rvbuild [flags] <command>...")
	colSuccess.Println("Commands run left to right; the first failure stops the run")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Desc string
	}
	cmds := []cmdInfo{
		{"build", "Build the default board (" + defaultBoard + " unless RVBUILD_BOARD is set)"},
	}
	for _, name := range boardNames() {
		b := boards[name]
		cmds = append(cmds, cmdInfo{name, b.Description})
	}
	cmds = append(cmds,
		cmdInfo{"toolchain", "Build missing cross toolchain variants"},
		cmdInfo{"deps", "Install host packages"},
		cmdInfo{"qemu", "Build the emulator and fetch its firmware"},
		cmdInfo{"run", "Boot the built image under QEMU"},
		cmdInfo{"clean", "Remove output/"},
		cmdInfo{"distclean", "Remove output/ and host-tools/"},
		cmdInfo{"status", "Show toolchain, emulator and cache state"},
		cmdInfo{"logs", "Show the newest build log (RVBUILD_LOG selects one)"},
		cmdInfo{"help", "Show this help"},
	)

	maxLen := 0
	for _, c := range cmds {
		maxLen = max(maxLen, len(c.Cmd))
	}
	for _, c := range cmds {
		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		fmt.Print(strings.Repeat(" ", maxLen-len(c.Cmd)+4))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
	color.Info.Println("Flags:")
	fmt.Println("  -y          Answer yes to confirmations")
	fmt.Println("  -debug      Print debug output")
	fmt.Println("  -v          Mirror build output to the terminal")
	fmt.Println("  -config     Configuration file (default <root>/" + ConfigFile + ")")
	fmt.Println("  -version    Print version information")
	fmt.Println()
}

// reportFailure prints err with the structured context of a failed stage.
func reportFailure(err error) {
	colArrow.Print("-> ")
	colError.Printf("Error: %v\n", err)
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		colArrow.Print("-> ")
		colError.Println(stageErr.Fields())
	}
	switch {
	case errors.Is(err, ErrPartialState):
		colNote.Println("A previous run was interrupted. Remove the directory named above and re-run.")
	case errors.Is(err, ErrCorruptArchive):
		colNote.Println("Remove the damaged archive from the package cache and re-run.")
	case errors.Is(err, ErrUnknownCommand):
		colNote.Println("Run 'rvbuild help' for the list of commands.")
	}
}

// Main is the CLI entrypoint for cmd/rvbuild.
func Main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("rvbuild", flag.ContinueOnError)
	yes := fs.Bool("y", false, "answer yes to confirmations")
	debug := fs.Bool("debug", false, "print debug output")
	verbose := fs.Bool("v", false, "mirror build output to the terminal")
	configPath := fs.String("config", "", "configuration file")
	showVersion := fs.Bool("version", false, "print version information")
	fs.Usage = printHelp
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *showVersion {
		fmt.Printf("rvbuild %s (%s)\n", version, buildDate)
		return 0
	}
	tokens := fs.Args()
	if len(tokens) == 0 {
		printHelp()
		return 0
	}

	// 1. CONFIGURATION
	path := *configPath
	if path == "" {
		root := os.Getenv("RVBUILD_ROOT")
		if root == "" {
			root = "."
		}
		path = filepath.Join(root, ConfigFile)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		reportFailure(fmt.Errorf("failed to load %s: %w", path, err))
		return 1
	}
	settings := initConfig(cfg)
	Debug = Debug || *debug
	Verbose = Verbose || *verbose
	AssumeYes = *yes

	// 2. CONTEXT AND SIGNAL HANDLING
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Stopping the current stage\n", sig)
			cancel()

			// A second signal forces an immediate exit.
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(10 * time.Second):
			}
		case <-ctx.Done():
		}
	}()

	// 3. EXECUTORS
	idle := settings.Priority == "idle" || settings.Priority == "superidle"
	UserExec = &Executor{Context: ctx, ApplyIdlePriority: idle}
	RootExec = &Executor{Context: ctx, ShouldRunAsRoot: true}
	interactive := &Executor{Context: ctx, Interactive: true}

	// 4. CACHE AND MIRROR
	layout := NewLayout(settings.Root)
	cache := NewCache(layout.PkgCache)
	mirror, err := NewMirrorClient(ctx, cfg)
	if err != nil {
		warnf("Mirror disabled: %v", err)
	} else if mirror != nil {
		cache.Remote = mirror
		cache.Push = cfg.Values["RVBUILD_MIRROR_PUSH"] == "1"
		debugf("Using cache mirror bucket %s\n", mirror.BucketName)
	}

	// 5. DISPATCH
	p := NewPipeline(settings, cache, UserExec, RootExec, interactive)
	if err := NewDispatcher(p).Dispatch(ctx, tokens); err != nil {
		reportFailure(err)
		return 1
	}
	return 0
}
