package export

import (
	"bufio"
	"fmt"
	"io"

	"github.com/comigor/sqlchat-go/internal/history"
)

// MarkdownExporter writes the transcript as the plain chat-history document:
// one header per message followed by its raw text.
type MarkdownExporter struct{}

// Export writes t to w
func (e *MarkdownExporter) Export(t *Transcript, w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "# Chat history\n")
	for _, m := range t.Messages {
		fmt.Fprintf(bw, "**%s** - %s\n\n", sender(m), timestamp(m))
		fmt.Fprintf(bw, "%s\n\n---\n\n", m.Text)
	}
	return bw.Flush()
}

// Extension returns the file extension for this format
func (e *MarkdownExporter) Extension() string {
	return "md"
}

func sender(m history.Message) history.Sender {
	if m.Sender == "" {
		return history.User
	}
	return m.Sender
}
