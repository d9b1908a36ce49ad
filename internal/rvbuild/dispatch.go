package rvbuild

import (
	"context"
	"fmt"
	"os"
)

// routine is one named orchestration step.
type routine func(ctx context.Context) error

// step is a resolved command token.
type step struct {
	token string
	run   routine
}

// Dispatcher maps command-line tokens to routines.
type Dispatcher struct {
	routines map[string]routine
	// boards resolves board names; it is consulted after routines.
	boards func(name string) (routine, bool)
}

// NewDispatcher registers the routines of p.
func NewDispatcher(p *Pipeline) *Dispatcher {
	d := &Dispatcher{
		routines: map[string]routine{
			"build": func(ctx context.Context) error {
				board, ok := lookupBoard(p.Settings.Board)
				if !ok {
					return fmt.Errorf("%w: default board %q", ErrUnknownCommand, p.Settings.Board)
				}
				return p.BuildBoard(ctx, board)
			},
			"clean": func(ctx context.Context) error {
				return p.Clean()
			},
			"distclean": func(ctx context.Context) error {
				if !AssumeYes && isInteractive() {
					if !askForConfirmation(colWarn, "Remove %s and %s?", p.Layout.Output, p.Layout.HostTools) {
						stepf("Distclean canceled")
						return nil
					}
				}
				return p.Distclean()
			},
			"run": p.RunEmulator,
			"deps": func(ctx context.Context) error {
				p.InstallDeps(ctx)
				return nil
			},
			"toolchain": p.EnsureToolchain,
			"qemu": func(ctx context.Context) error {
				if _, err := p.EnsureQEMU(ctx); err != nil {
					return err
				}
				_, err := p.EnsureFirmware(ctx)
				return err
			},
			"logs": func(ctx context.Context) error {
				return showLog(p.Layout, os.Getenv("RVBUILD_LOG"))
			},
			"status": func(ctx context.Context) error {
				return p.PrintStatus(os.Stdout)
			},
			"help": func(ctx context.Context) error {
				printHelp()
				return nil
			},
		},
		boards: func(name string) (routine, bool) {
			board, ok := lookupBoard(name)
			if !ok {
				return nil, false
			}
			return func(ctx context.Context) error { return p.BuildBoard(ctx, board) }, true
		},
	}
	return d
}

// resolve maps every token to its routine. It fails on the first unknown
// token without running anything.
func (d *Dispatcher) resolve(tokens []string) ([]step, error) {
	steps := make([]step, 0, len(tokens))
	for _, tok := range tokens {
		if r, ok := d.routines[tok]; ok {
			steps = append(steps, step{tok, r})
			continue
		}
		if d.boards != nil {
			if r, ok := d.boards(tok); ok {
				steps = append(steps, step{tok, r})
				continue
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, tok)
	}
	return steps, nil
}

// Dispatch resolves all tokens, then runs them left to right.
// The first failing routine ends the run; later tokens are not executed.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string) error {
	steps, err := d.resolve(tokens)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		debugf("=> running %s\n", s.token)
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.token, err)
		}
	}
	return nil
}
