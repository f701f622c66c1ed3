package render

import (
	"fmt"
	"strings"
)

// Markdown renders a model as Markdown.
func Markdown(m Model) string {
	switch m := m.(type) {
	case ErrorModel:
		return "❌ **Error:** " + m.Message
	case FailureModel:
		return "⚠️ **Failed:** " + m.Message
	case TextModel:
		return m.Text
	case RawModel:
		return "```json\n" + m.JSON + "\n```"
	case StageModel:
		return stageMarkdown(m)
	}
	return ""
}

func stageMarkdown(m StageModel) string {
	var b strings.Builder
	if m.Stage != StageNone {
		fmt.Fprintf(&b, "_%s_\n\n", m.Stage)
	}
	if m.Query != "" {
		fmt.Fprintf(&b, "### Query\n`%s`\n\n", m.Query)
	}
	if len(m.Databases) > 0 {
		fmt.Fprintf(&b, "**Database:** %s\n\n", strings.Join(m.Databases, ", "))
	}
	if len(m.Tables) > 0 {
		fmt.Fprintf(&b, "**Tables:** %s\n\n", strings.Join(m.Tables, ", "))
	}
	if len(m.Columns) > 0 {
		fmt.Fprintf(&b, "**Columns:** %s\n\n", strings.Join(m.Columns, ", "))
	}
	if m.SQL != "" {
		fmt.Fprintf(&b, "### SQL\n```sql\n%s\n```\n\n", m.SQL)
	}
	if m.Reasons != "" {
		fmt.Fprintf(&b, "> %s\n\n", m.Reasons)
	}
	if m.Result != nil {
		b.WriteString("### Result\n")
		b.WriteString(TableMarkdown(m.Result))
		b.WriteString("\n")
	}
	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return "ℹ️ No data parsed."
	}
	return out
}

// TableMarkdown renders t as a pipe table.
func TableMarkdown(t *Table) string {
	if len(t.Columns) == 0 {
		return "_empty result_\n"
	}
	var b strings.Builder
	row := func(cells []string) {
		b.WriteString("| ")
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString(" |\n")
	}
	row(escapeAll(t.Columns))
	sep := make([]string, len(t.Columns))
	for i := range sep {
		sep[i] = "---"
	}
	row(sep)
	for _, r := range t.Rows {
		cells := make([]string, len(r))
		for i, c := range r {
			cells[i] = escapeCell(c.Text)
		}
		row(cells)
	}
	return b.String()
}

// MessageMarkdown renders a whole bot message, one block per paragraph and a
// rule between segments.
func MessageMarkdown(text string, opts Options) string {
	var parts []string
	for _, seg := range Split(text) {
		var blocks []string
		for _, blk := range seg.Blocks {
			blocks = append(blocks, Markdown(View(blk, opts)))
		}
		parts = append(parts, strings.Join(blocks, "\n\n"))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func escapeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = escapeCell(s)
	}
	return out
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
