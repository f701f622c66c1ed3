package export

import (
	"encoding/json"
	"io"

	"github.com/comigor/sqlchat-go/internal/history"
)

// JSONExporter writes the transcript in the same shape the chats endpoint
// accepts (pretty-printed)
type JSONExporter struct{}

// Export writes t to w
func (e *JSONExporter) Export(t *Transcript, w io.Writer) error {
	msgs := t.Messages
	if msgs == nil {
		msgs = []history.Message{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Messages []history.Message `json:"messages"`
	}{msgs})
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}
