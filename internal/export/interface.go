// Package export writes a conversation transcript in several formats, plus
// the CSV download of a tabular result.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/comigor/sqlchat-go/internal/history"
	"github.com/comigor/sqlchat-go/internal/render"
)

// Transcript is what gets exported.
type Transcript struct {
	Messages []history.Message
	Options  render.Options
}

// Exporter defines the interface for all transcript formats
type Exporter interface {
	Export(t *Transcript, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	case "yaml":
		return &YAMLExporter{}, nil
	case "html":
		return NewHTMLExporter(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: md, json, yaml, html)", format)
	}
}

// timestamp formats a message time the same way in every format.
func timestamp(m history.Message) string {
	return m.Created().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func updated(m history.Message) string {
	if !m.Edited() {
		return ""
	}
	return time.UnixMilli(m.UpdatedAt).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
