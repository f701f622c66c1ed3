package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// StatusFinished is the terminal status value that ends a stream.
const StatusFinished = "finished"

// ErrMalformedFrame wraps a data line that is not valid JSON.
var ErrMalformedFrame = errors.New("failed to parse SSE data")

// Event is one decoded payload from the agent pipeline.
type Event struct {
	Agent  string
	Output json.RawMessage
	Error  string
	Usage  json.RawMessage
	Status string

	// Raw is the payload exactly as received.
	Raw json.RawMessage
}

// IsContent reports whether the event contributes text to the open message.
func (e Event) IsContent() bool {
	return len(e.Output) > 0 || e.Error != ""
}

// Finished reports whether the event is the terminal marker.
func (e Event) Finished() bool {
	return e.Status == StatusFinished
}

type field struct {
	key   string
	value json.RawMessage
}

// DecodeEvent parses one data-line payload.
//
// Envelope keys are agent, output, error, usage and status. When output is
// absent, the remaining keys become the output: a lone object-valued key with
// no agent field names the agent ({"b-table-select": {...}}); otherwise the
// leftover keys form the output object in their wire order.
func DecodeEvent(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	evt := Event{Raw: append(json.RawMessage(nil), data...)}

	if !json.Valid(data) {
		return Event{}, ErrMalformedFrame
	}
	if len(data) == 0 || data[0] != '{' {
		// valid JSON that is not an object carries nothing we act on
		return evt, nil
	}

	fields, err := objectFields(data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var extras []field
	for _, f := range fields {
		switch f.key {
		case "agent":
			evt.Agent = scalarText(f.value)
		case "output":
			if !isNull(f.value) {
				evt.Output = compact(f.value)
			}
		case "error":
			if !isNull(f.value) {
				evt.Error = scalarText(f.value)
			}
		case "usage":
			if !isNull(f.value) {
				evt.Usage = compact(f.value)
			}
		case "status":
			evt.Status = scalarText(f.value)
		default:
			extras = append(extras, f)
		}
	}

	if len(evt.Output) == 0 && len(extras) > 0 {
		if evt.Agent == "" && len(extras) == 1 && isObject(extras[0].value) {
			evt.Agent = extras[0].key
			evt.Output = compact(extras[0].value)
		} else {
			evt.Output = joinObject(extras)
		}
	}
	return evt, nil
}

// objectFields returns the top-level members of a JSON object in wire order.
func objectFields(data []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var out []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, field{key: key, value: raw})
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

func joinObject(fields []field) json.RawMessage {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(f.key)
		b.Write(k)
		b.WriteByte(':')
		b.Write(compact(f.value))
	}
	b.WriteByte('}')
	return b.Bytes()
}

func compact(raw json.RawMessage) json.RawMessage {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return raw
	}
	return b.Bytes()
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// scalarText renders strings unquoted and anything else as compact JSON.
func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(compact(raw))
}
