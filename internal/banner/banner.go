package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
            _ _
   ___ __ _| | |___  ___ _ ____   _____ _ __
  / __/ _` + "`" + ` | | / __|/ _ \ '__\ \ / / _ \ '__|
 | (_| (_| | | \__ \  __/ |   \ V /  __/ |
  \___\__,_|_|_|___/\___|_|    \_/ \___|_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// Line is one label/value pair shown under the logo.
type Line struct {
	Label string
	Value string
}

// Print writes the startup banner with the given settings to w.
func Print(w io.Writer, version string, lines []Line) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "call session engine %s\n", version)

	width := 0
	for _, l := range lines {
		width = max(width, len(l.Label))
	}
	for _, l := range lines {
		value := l.Value
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s%s : %s\n", l.Label, strings.Repeat(" ", width-len(l.Label)), value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
