package main

import (
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalWidth returns the column count of w when it is a terminal and 0
// otherwise, so piped output is never clipped.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func clipLine(line string, width int) string {
	if width <= 1 {
		return line
	}
	runes := []rune(line)
	max := width - 1
	if len(runes) <= max {
		return line
	}
	if max > 3 {
		return string(runes[:max-3]) + "..."
	}
	return string(runes[:max])
}

// clipLines writes text to w with every line cut to width.
func clipLines(w io.Writer, text string, width int) {
	if width <= 0 {
		_, _ = io.WriteString(w, text)
		return
	}
	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		trimmed := strings.TrimSuffix(line, "\n")
		_, _ = io.WriteString(w, clipLine(trimmed, width))
		if len(trimmed) != len(line) {
			_, _ = io.WriteString(w, "\n")
		}
	}
}
