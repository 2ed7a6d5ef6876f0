package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTest(mode OutputMode, tty bool) (*Renderer, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return NewRendererWithTTY(out, errOut, tty, mode), out, errOut
}

func TestMode(t *testing.T) {
	tests := map[string]OutputMode{
		"":         ModeAuto,
		"auto":     ModeAuto,
		"TEXT":     ModeText,
		"md":       ModeMarkdown,
		"markdown": ModeMarkdown,
		"json":     ModeJSON,
		"xml":      ModeAuto,
	}
	for in, want := range tests {
		assert.Equal(t, want, Mode(in), in)
	}
}

func TestEffectiveMode(t *testing.T) {
	r, _, _ := newTest(ModeAuto, true)
	assert.Equal(t, ModeText, r.EffectiveMode())

	r, _, _ = newTest(ModeAuto, false)
	assert.Equal(t, ModeMarkdown, r.EffectiveMode())

	r, _, _ = newTest(ModeJSON, true)
	assert.Equal(t, ModeJSON, r.EffectiveMode())
}

func TestNewRenderer_BufferIsNotTerminal(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{}, &bytes.Buffer{}, ModeAuto)
	assert.Equal(t, ModeMarkdown, r.EffectiveMode())
}

func TestTable(t *testing.T) {
	header := []string{"Name", "State"}
	rows := [][]any{{"billing.Invoice", "COMPILED"}, {"Audit", "ERROR"}}

	t.Run("text", func(t *testing.T) {
		r, out, _ := newTest(ModeText, true)
		require.NoError(t, r.Table(header, rows))
		assert.Contains(t, out.String(), "billing.Invoice")
		assert.Contains(t, out.String(), "─")
	})

	t.Run("markdown", func(t *testing.T) {
		r, out, _ := newTest(ModeMarkdown, false)
		require.NoError(t, r.Table(header, rows))
		assert.Contains(t, out.String(), "| Name | State |")
		assert.Contains(t, out.String(), "| Audit | ERROR |")
	})

	t.Run("json", func(t *testing.T) {
		r, out, _ := newTest(ModeJSON, false)
		require.NoError(t, r.Table(header, rows))
		var got []map[string]any
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, "COMPILED", got[0]["state"])
	})

	t.Run("empty", func(t *testing.T) {
		r, out, _ := newTest(ModeText, true)
		require.NoError(t, r.Table(header, nil))
		assert.Equal(t, "(none)\n", out.String())
	})
}

func TestStatusLines(t *testing.T) {
	r, out, errOut := newTest(ModeText, true)
	r.Header(1, "Units")
	r.Success("compiled %s", "Audit")
	r.Warning("slow %d", 3)
	assert.Contains(t, out.String(), "Units\n=====")
	assert.Contains(t, out.String(), "✓ compiled Audit")
	assert.Equal(t, "warning: slow 3\n", errOut.String())

	r, out, _ = newTest(ModeJSON, false)
	r.Header(1, "Units")
	r.Success("compiled")
	r.Println("hello")
	assert.Empty(t, out.String())
}
