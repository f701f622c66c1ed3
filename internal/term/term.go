// Package term renders conversation content for a terminal.
package term

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"

	"github.com/comigor/sqlchat-go/internal/agents"
	"github.com/comigor/sqlchat-go/internal/history"
	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/render"
	"github.com/comigor/sqlchat-go/internal/usage"
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6"))

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	stageStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("#10B981"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	sqlBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#FFD700")).
			Padding(0, 1)
)

// Printer formats messages and pipeline payloads. With color off it emits
// plain text.
type Printer struct {
	opts      render.Options
	color     bool
	formatter chroma.Formatter
}

// New creates a printer.
func New(opts render.Options, color bool) *Printer {
	f := formatters.Get("terminal16m")
	if f == nil {
		f = formatters.Fallback
	}
	return &Printer{opts: opts, color: color, formatter: f}
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

// Message renders one conversation entry with its header line.
func (p *Printer) Message(m history.Message) string {
	var b strings.Builder
	header := fmt.Sprintf("%s [%s] %s", m.Sender, shortID(m.ID), m.Created().Local().Format(time.DateTime))
	if m.Edited() {
		header += " (edited)"
	}
	if m.Sender == history.User {
		b.WriteString(p.style(userStyle, header))
		b.WriteString("\n")
		b.WriteString(m.Text)
		return b.String()
	}

	b.WriteString(p.style(botStyle, header))
	b.WriteString("\n")
	b.WriteString(p.Answer(m.Text))
	return b.String()
}

// Answer renders a bot message body segment by segment.
func (p *Printer) Answer(text string) string {
	segments := render.Split(text)
	if len(segments) == 0 {
		return p.style(dimStyle, "...")
	}
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		var lines []string
		for _, blk := range seg.Blocks {
			lines = append(lines, p.Model(render.View(blk, p.opts)))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}
	return strings.Join(parts, "\n"+p.style(dimStyle, strings.Repeat("-", 24))+"\n")
}

// Model renders one display model.
func (p *Printer) Model(m render.Model) string {
	switch v := m.(type) {
	case render.ErrorModel:
		return p.style(errorStyle, "Error: "+v.Message)
	case render.FailureModel:
		return p.style(errorStyle, "Failed: "+v.Message)
	case render.TextModel:
		return v.Text
	case render.RawModel:
		return v.JSON
	case render.StageModel:
		return p.stage(v)
	}
	return ""
}

func (p *Printer) stage(m render.StageModel) string {
	var lines []string
	if m.Stage != render.StageNone {
		lines = append(lines, p.style(stageStyle, string(m.Stage)))
	}
	if m.Query != "" {
		lines = append(lines, "Query: "+m.Query)
	}
	if len(m.Databases) > 0 {
		lines = append(lines, "Databases: "+strings.Join(m.Databases, ", "))
	}
	if len(m.Tables) > 0 {
		lines = append(lines, "Tables: "+strings.Join(m.Tables, ", "))
	}
	if len(m.Columns) > 0 {
		lines = append(lines, "Columns: "+strings.Join(m.Columns, ", "))
	}
	if m.SQL != "" {
		lines = append(lines, p.SQL(m.SQL))
	}
	if m.Reasons != "" {
		lines = append(lines, p.style(dimStyle, "Reasons: "+m.Reasons))
	}
	if m.Result != nil {
		lines = append(lines, p.Table(m.Result))
	}
	if len(lines) == 0 {
		return p.style(dimStyle, "No data parsed.")
	}
	return strings.Join(lines, "\n")
}

// SQL highlights a statement and boxes it.
func (p *Printer) SQL(src string) string {
	if !p.color {
		return src
	}
	log := logger.With("term")
	lexer := lexers.Get("sql")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	it, err := lexer.Tokenise(nil, src)
	if err != nil {
		log.Debug("tokenising sql failed", "error", err)
		return sqlBoxStyle.Render(src)
	}
	var buf strings.Builder
	if err := p.formatter.Format(&buf, styles.Get("monokai"), it); err != nil {
		log.Debug("formatting sql failed", "error", err)
		return sqlBoxStyle.Render(src)
	}
	return sqlBoxStyle.Render(strings.TrimRight(buf.String(), "\n"))
}

// Table renders a result as aligned columns. Numbers are right-aligned.
func (p *Printer) Table(t *render.Table) string {
	if t == nil || len(t.Columns) == 0 {
		return p.style(dimStyle, "(no rows)")
	}
	widths := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		widths[i] = lipgloss.Width(c)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell.Text))
			}
		}
	}

	var b strings.Builder
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(pad(c, widths[i], false))
	}
	header := strings.TrimRight(b.String(), " ")
	b.Reset()
	b.WriteString(p.style(lipgloss.NewStyle().Bold(true), header))
	b.WriteString("\n")

	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}
	b.WriteString(strings.Join(rule, "-+-"))

	for _, row := range t.Rows {
		b.WriteString("\n")
		cells := make([]string, len(t.Columns))
		for i := range t.Columns {
			if i < len(row) {
				cells[i] = pad(row[i].Text, widths[i], row[i].Number.Valid)
			} else {
				cells[i] = pad("", widths[i], false)
			}
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, " | "), " "))
	}
	return b.String()
}

// Usage renders the quota line.
func (p *Printer) Usage(s usage.Snapshot) string {
	line := fmt.Sprintf("%d/%d chats left today, resets in %s", s.Remaining(), s.MaxChats, s.ResetIn())
	if s.Tokens != nil {
		line += fmt.Sprintf(" (last answer: %d tokens)", s.Tokens.TotalTokens)
	}
	return line
}

// Params renders the pipeline parameters.
func (p *Printer) Params(a agents.Params) string {
	return fmt.Sprintf("model: %s\ntop_k: %d\ninclude_reasons: %t\ninclude_process: %t",
		a.Model, a.TopK, a.IncludeReasons, a.IncludeProcess)
}

// Error renders a failure line.
func (p *Printer) Error(err error) string {
	return p.style(errorStyle, "Error: "+err.Error())
}

func pad(s string, width int, right bool) string {
	gap := width - lipgloss.Width(s)
	if gap <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", gap) + s
	}
	return s + strings.Repeat(" ", gap)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
