package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/ppiankov/calltrace/internal/store"
)

var (
	threadColor = color.New(color.FgYellow, color.Bold)
	classColor  = color.New(color.FgCyan)
	methodColor = color.New(color.FgGreen, color.Bold)
	sigColor    = color.New(color.Faint)
)

// renderTree prints rows grouped by thread as an indented call tree.
// A trace whose parent is absent from rows is printed as a root.
func renderTree(w io.Writer, rows []store.TraceRow, maxDepth int, colored bool) {
	paint := func(c *color.Color, s string) string {
		if !colored {
			return s
		}
		return c.Sprint(s)
	}

	present := make(map[int64]bool, len(rows))
	children := make(map[int64][]store.TraceRow)
	for _, row := range rows {
		present[row.ID] = true
	}
	var threads []string
	roots := make(map[string][]store.TraceRow)
	for _, row := range rows {
		if row.Parent != 0 && present[row.Parent] {
			children[row.Parent] = append(children[row.Parent], row)
			continue
		}
		if _, seen := roots[row.Thread]; !seen {
			threads = append(threads, row.Thread)
		}
		roots[row.Thread] = append(roots[row.Thread], row)
	}

	var walk func(row store.TraceRow, depth int)
	walk = func(row store.TraceRow, depth int) {
		fmt.Fprintf(w, "%s%s.%s%s\n",
			strings.Repeat("  ", depth+1),
			paint(classColor, row.Class),
			paint(methodColor, row.Method),
			paint(sigColor, row.Signature))
		if maxDepth > 0 && depth+1 >= maxDepth {
			return
		}
		for _, child := range children[row.ID] {
			walk(child, depth+1)
		}
	}

	for _, thread := range threads {
		fmt.Fprintf(w, "%s\n", paint(threadColor, "["+thread+"]"))
		for _, root := range roots[thread] {
			walk(root, 0)
		}
	}
}
