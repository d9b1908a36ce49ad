package rvbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// RunPager shows lines in a scrollable view when stdout is a terminal and
// the text does not fit; otherwise it prints them.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		printLines(lines)
		return nil
	}
	// Two rows go to the border.
	if _, height, err := term.GetSize(fd); err == nil && len(lines) <= height-2 {
		printLines(lines)
		return nil
	}

	app := tview.NewApplication()

	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	textView.SetBorder(true).SetTitle(" " + title + " ")

	// Compiler diagnostics carry ANSI colors.
	fmt.Fprint(tview.ANSIWriter(textView), strings.Join(lines, "\n"))
	textView.ScrollToEnd()

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]Use ↑/↓, PgUp/PgDn, Home/End to scroll. Press 'q' or 'Esc' to quit.[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}

func printLines(lines []string) {
	for _, line := range lines {
		fmt.Println(line)
	}
}

// showLog pages the log selected by name, or the newest one when name is empty.
func showLog(layout Layout, name string) error {
	logs, err := listLogs(layout.Logs)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		stepf("No build logs in %s", layout.Logs)
		return nil
	}

	path := logs[0]
	if name != "" {
		path = ""
		for _, l := range logs {
			base := filepath.Base(l)
			if base == name || strings.TrimSuffix(strings.TrimSuffix(base, ".xz"), ".log") == name {
				path = l
				break
			}
		}
		if path == "" {
			return fmt.Errorf("no build log named %q in %s", name, layout.Logs)
		}
	}

	lines, err := readLogLines(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return RunPager(filepath.Base(path), lines)
}
