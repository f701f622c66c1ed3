package render

import (
	"encoding/json"
	"regexp"
	"strings"
)

var segmentBreak = regexp.MustCompile(`\n\n-+\n\n`)

const errorPrefix = "Error: "

// Block is one line of a bot message: either an agent payload or plain text.
type Block struct {
	Text    string
	Payload json.RawMessage
}

// IsJSON reports whether the block is an agent payload.
func (b Block) IsJSON() bool { return len(b.Payload) > 0 }

// Segment groups the blocks produced by one agent.
type Segment struct {
	Blocks []Block
}

// Split breaks a bot message into segments at separator lines and each
// segment into blocks. Blank lines are dropped.
func Split(text string) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Segment
	for _, part := range segmentBreak.Split(text, -1) {
		var seg Segment
		for _, line := range strings.Split(part, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			b := Block{Text: line}
			if json.Valid([]byte(line)) {
				b.Payload = json.RawMessage(line)
			}
			seg.Blocks = append(seg.Blocks, b)
		}
		if len(seg.Blocks) > 0 {
			out = append(out, seg)
		}
	}
	return out
}

// View returns the display model of a block.
func View(b Block, opts Options) Model {
	if !b.IsJSON() {
		if msg, ok := strings.CutPrefix(b.Text, errorPrefix); ok {
			return ErrorModel{Message: msg}
		}
		return TextModel{Text: b.Text}
	}
	switch b.Payload[0] {
	case '{':
		if m, err := Classify(b.Payload, opts); err == nil {
			return m
		}
	case '"':
		return TextModel{Text: text(b.Payload)}
	}
	return RawModel{JSON: pretty(b.Payload)}
}
