// Package interpret turns stream events into appends against the open bot
// message.
package interpret

import (
	"encoding/json"

	"github.com/comigor/sqlchat-go/internal/stream"
)

// Separator is inserted between segments produced by different agents.
const Separator = "\n\n------------------------\n\n"

// UsageSink receives in-band usage snapshots.
type UsageSink interface {
	Observe(raw json.RawMessage)
}

// Interpreter holds the per-stream agent tracking. Use one per stream.
type Interpreter struct {
	usage     UsageSink
	lastAgent string
	appends   int
}

// New returns an interpreter reporting usage to sink, which may be nil.
func New(sink UsageSink) *Interpreter {
	return &Interpreter{usage: sink}
}

// Apply returns text with evt's contribution appended, and whether anything
// was appended.
func (in *Interpreter) Apply(text string, evt stream.Event) (string, bool) {
	if len(evt.Usage) > 0 && in.usage != nil {
		in.usage.Observe(evt.Usage)
	}
	if !evt.IsContent() {
		return text, false
	}

	separate := false
	if evt.Agent != "" {
		separate = in.lastAgent != "" && evt.Agent != in.lastAgent
		in.lastAgent = evt.Agent
	}

	chunk := string(evt.Output)
	if len(evt.Output) == 0 {
		chunk = ErrorLine(evt.Error)
	}
	in.appends++
	return text + prefix(text, separate) + chunk, true
}

// LastAgent returns the most recent agent seen on a content event.
func (in *Interpreter) LastAgent() string { return in.lastAgent }

// Appends returns the number of content appends so far.
func (in *Interpreter) Appends() int { return in.appends }

// ErrorLine formats an in-band agent error.
func ErrorLine(msg string) string {
	return "Error: " + msg
}

// StreamError appends a transport-level diagnostic line to text.
func StreamError(text string, err error) string {
	if text != "" {
		text += "\n"
	}
	return text + "\n[Stream error] " + err.Error()
}

func prefix(text string, separate bool) string {
	switch {
	case text == "":
		return ""
	case separate:
		return Separator
	default:
		return "\n"
	}
}
