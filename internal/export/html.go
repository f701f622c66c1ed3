package export

import (
	"bytes"
	"fmt"
	"io"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/comigor/sqlchat-go/internal/history"
	"github.com/comigor/sqlchat-go/internal/render"
)

// HTMLExporter renders the transcript to a standalone HTML page. Bot
// messages go through the payload renderer first so stages, SQL and result
// tables show up formatted.
type HTMLExporter struct {
	md goldmark.Markdown
}

// NewHTMLExporter returns an exporter using GitHub-flavored Markdown.
func NewHTMLExporter() *HTMLExporter {
	return &HTMLExporter{md: goldmark.New(goldmark.WithExtensions(extension.GFM))}
}

// Export writes t to w
func (e *HTMLExporter) Export(t *Transcript, w io.Writer) error {
	var src bytes.Buffer
	src.WriteString("# Chat history\n\n")
	for _, m := range t.Messages {
		fmt.Fprintf(&src, "#### %s · %s\n\n", sender(m), timestamp(m))
		if m.Sender == history.Bot {
			src.WriteString(render.MessageMarkdown(m.Text, t.Options))
		} else {
			src.WriteString(m.Text)
		}
		src.WriteString("\n\n")
	}

	var body bytes.Buffer
	if err := e.md.Convert(src.Bytes(), &body); err != nil {
		return fmt.Errorf("rendering html: %w", err)
	}

	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Chat history</title>\n</head>\n<body>\n%s</body>\n</html>\n", body.String())
	return err
}

// Extension returns the file extension for this format
func (e *HTMLExporter) Extension() string {
	return "html"
}
