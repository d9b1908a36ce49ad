package rvbuild

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// isInteractive reports whether stdin is a terminal.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func askForConfirmation(p colorPrinter, format string, a ...any) bool {
	reader := bufio.NewReader(os.Stdin)
	fullPrompt := fmt.Sprintf("%s [y/N]: ", fmt.Sprintf(format, a...))

	for {
		cPrintf(p, "%s", fullPrompt)
		response, err := reader.ReadString('\n')
		if err != nil {
			return false // Ctrl+D
		}
		response = strings.ToLower(strings.TrimSpace(response))

		if response == "y" || response == "yes" {
			return true
		}
		if response == "n" || response == "no" || response == "" {
			return false
		}
		cPrintln(colWarn, "Invalid input.")
	}
}
