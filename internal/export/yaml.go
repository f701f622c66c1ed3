package export

import (
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLExporter writes the transcript as YAML with readable timestamps
type YAMLExporter struct{}

type yamlMessage struct {
	ID        string `yaml:"id"`
	Sender    string `yaml:"sender"`
	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at,omitempty"`
	Text      string `yaml:"text"`
}

// Export writes t to w
func (e *YAMLExporter) Export(t *Transcript, w io.Writer) error {
	out := struct {
		Messages []yamlMessage `yaml:"messages"`
	}{Messages: make([]yamlMessage, 0, len(t.Messages))}
	for _, m := range t.Messages {
		out.Messages = append(out.Messages, yamlMessage{
			ID:        m.ID,
			Sender:    string(sender(m)),
			CreatedAt: timestamp(m),
			UpdatedAt: updated(m),
			Text:      m.Text,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

// Extension returns the file extension for this format
func (e *YAMLExporter) Extension() string {
	return "yaml"
}
