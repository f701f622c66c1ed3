package interpret

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/sqlchat-go/internal/stream"
)

type usageRecorder struct {
	seen []string
}

func (u *usageRecorder) Observe(raw json.RawMessage) { u.seen = append(u.seen, string(raw)) }

func event(t *testing.T, data string) stream.Event {
	t.Helper()
	evt, err := stream.DecodeEvent([]byte(data))
	require.NoError(t, err)
	return evt
}

func feed(t *testing.T, in *Interpreter, events ...string) string {
	t.Helper()
	text := ""
	for _, e := range events {
		text, _ = in.Apply(text, event(t, e))
	}
	return text
}

func TestApply_SeparatorOnlyWhenAgentChanges(t *testing.T) {
	text := feed(t, New(nil),
		`{"agent":"A","output":"X"}`,
		`{"agent":"A","output":"Y"}`,
		`{"agent":"B","output":"Z"}`,
	)

	require.Equal(t, `"X"`+"\n"+`"Y"`+Separator+`"Z"`, text)
	require.Equal(t, 1, strings.Count(text, Separator))
}

func TestApply_OrderedConcatenation(t *testing.T) {
	events := []string{
		`{"a-db-select":{"database":"school_db"}}`,
		`{"b-table-select":{"tables":["students"]}}`,
		`{"agent":"b-table-select","error":"timeout"}`,
		`{"output":{"n":1}}`,
	}
	in := New(nil)
	text := feed(t, in, events...)

	want := `{"database":"school_db"}` + Separator +
		`{"tables":["students"]}` + "\n" +
		"Error: timeout" + "\n" +
		`{"n":1}`
	require.Equal(t, want, text)
	require.Equal(t, 4, in.Appends())
	require.Equal(t, "b-table-select", in.LastAgent())
}

func TestApply_FirstAppendHasNoPrefix(t *testing.T) {
	text, ok := New(nil).Apply("", event(t, `{"agent":"A","error":"boom"}`))
	require.True(t, ok)
	require.Equal(t, "Error: boom", text)
}

func TestApply_UsageIsSideChannel(t *testing.T) {
	sink := &usageRecorder{}
	in := New(sink)

	text := feed(t, in,
		`{"agent":"A","output":1}`,
		`{"agent":"B","usage":{"chats_used_today":2}}`,
		`{"agent":"A","output":2}`,
	)

	// the usage-only event from B does not count as an agent change
	require.Equal(t, "1\n2", text)
	require.Equal(t, []string{`{"chats_used_today":2}`}, sink.seen)
}

func TestApply_NonContentUntouched(t *testing.T) {
	text, ok := New(nil).Apply("kept", event(t, `{"status":"running"}`))
	require.False(t, ok)
	require.Equal(t, "kept", text)
}

func TestStreamError(t *testing.T) {
	err := errors.New("HTTP 500")
	require.Equal(t, "\n[Stream error] HTTP 500", StreamError("", err))
	require.Equal(t, "partial\n\n[Stream error] HTTP 500", StreamError("partial", err))
}
