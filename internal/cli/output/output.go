// Package output renders CLI results as terminal text, markdown or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"
)

// OutputMode selects how results are written.
type OutputMode string

// Output modes.
const (
	ModeAuto     OutputMode = "auto"
	ModeText     OutputMode = "text"
	ModeMarkdown OutputMode = "markdown"
	ModeJSON     OutputMode = "json"
)

// Mode parses a configured output format. Unknown values mean auto.
func Mode(s string) OutputMode {
	switch OutputMode(strings.ToLower(s)) {
	case ModeText:
		return ModeText
	case ModeMarkdown, "md":
		return ModeMarkdown
	case ModeJSON:
		return ModeJSON
	default:
		return ModeAuto
	}
}

// Renderer writes command results in the selected mode.
type Renderer struct {
	out    io.Writer
	errOut io.Writer
	isTTY  bool
	mode   OutputMode
}

// NewRenderer creates a renderer, detecting whether out is a terminal.
func NewRenderer(out, errOut io.Writer, mode OutputMode) *Renderer {
	return NewRendererWithTTY(out, errOut, isTerminal(out), mode)
}

// NewRendererWithTTY creates a renderer with an explicit terminal state.
func NewRendererWithTTY(out, errOut io.Writer, isTTY bool, mode OutputMode) *Renderer {
	return &Renderer{out: out, errOut: errOut, isTTY: isTTY, mode: mode}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// EffectiveMode resolves auto: text on a terminal, markdown otherwise.
func (r *Renderer) EffectiveMode() OutputMode {
	if r.mode != ModeAuto && r.mode != "" {
		return r.mode
	}
	if r.isTTY {
		return ModeText
	}
	return ModeMarkdown
}

// Out returns the result writer.
func (r *Renderer) Out() io.Writer { return r.out }

// Header writes a section heading.
func (r *Renderer) Header(level int, text string) {
	switch r.EffectiveMode() {
	case ModeJSON:
		return
	case ModeMarkdown:
		_, _ = fmt.Fprintf(r.out, "%s %s\n\n", strings.Repeat("#", max(level, 1)), text)
	default:
		_, _ = fmt.Fprintln(r.out, text)
		if level <= 1 {
			_, _ = fmt.Fprintln(r.out, strings.Repeat("=", len([]rune(text))))
		}
	}
}

// Table writes rows under header. In JSON mode each row becomes an object
// keyed by the lower-cased header.
func (r *Renderer) Table(header []string, rows [][]any) error {
	if r.EffectiveMode() == ModeJSON {
		objs := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			obj := make(map[string]any, len(header))
			for i, h := range header {
				if i < len(row) {
					obj[jsonKey(h)] = row[i]
				}
			}
			objs = append(objs, obj)
		}
		return r.JSON(objs)
	}

	if len(rows) == 0 {
		_, _ = fmt.Fprintln(r.out, "(none)")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)
	headerRow := make(table.Row, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	t.AppendHeader(headerRow)
	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	if r.EffectiveMode() == ModeMarkdown {
		t.RenderMarkdown()
		_, _ = fmt.Fprintln(r.out)
		return nil
	}
	t.Render()
	return nil
}

func jsonKey(h string) string {
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// JSON writes v as indented JSON.
func (r *Renderer) JSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Success reports a completed action. Silent in JSON mode.
func (r *Renderer) Success(format string, args ...any) {
	r.status("✓", format, args...)
}

// Warning reports a non-fatal problem on the error stream.
func (r *Renderer) Warning(format string, args ...any) {
	_, _ = fmt.Fprintf(r.errOut, "warning: "+format+"\n", args...)
}

// Println writes a plain line. Silent in JSON mode.
func (r *Renderer) Println(format string, args ...any) {
	if r.EffectiveMode() == ModeJSON {
		return
	}
	_, _ = fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *Renderer) status(mark, format string, args ...any) {
	switch r.EffectiveMode() {
	case ModeJSON:
		return
	case ModeText:
		_, _ = fmt.Fprintf(r.out, mark+" "+format+"\n", args...)
	default:
		_, _ = fmt.Fprintf(r.out, format+"\n", args...)
	}
}
