package stream

import (
	"regexp"
	"strings"
)

const (
	dataPrefix    = "data:"
	commentPrefix = ":"
)

var (
	frameBoundary = regexp.MustCompile(`\r?\n\r?\n`)
	lineBreak     = regexp.MustCompile(`\r?\n`)
)

// frameDecoder accumulates body chunks and yields complete frames.
type frameDecoder struct {
	buf strings.Builder
}

// Feed appends chunk and returns every frame terminated by a blank line. The
// unterminated tail stays buffered.
func (d *frameDecoder) Feed(chunk []byte) []string {
	d.buf.Write(chunk)
	text := d.buf.String()

	bounds := frameBoundary.FindAllStringIndex(text, -1)
	if len(bounds) == 0 {
		return nil
	}

	frames := make([]string, 0, len(bounds))
	start := 0
	for _, b := range bounds {
		frames = append(frames, text[start:b[0]])
		start = b[1]
	}

	rest := text[start:]
	d.buf.Reset()
	d.buf.WriteString(rest)
	return frames
}

// Rest returns the buffered, unterminated tail.
func (d *frameDecoder) Rest() string {
	return d.buf.String()
}

// dataLines returns the payloads of the data lines in a frame. Comment,
// blank and unrelated lines are skipped.
func dataLines(frame string) []string {
	var out []string
	for _, line := range lineBreak.Split(frame, -1) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, commentPrefix) {
			continue
		}
		if payload, ok := strings.CutPrefix(line, dataPrefix); ok {
			if payload = strings.TrimSpace(payload); payload != "" {
				out = append(out, payload)
			}
		}
	}
	return out
}

// lastDataLine returns the final data payload in a partial frame.
func lastDataLine(frame string) (string, bool) {
	lines := dataLines(frame)
	if len(lines) == 0 {
		return "", false
	}
	return lines[len(lines)-1], true
}
