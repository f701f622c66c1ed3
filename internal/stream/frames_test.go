package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameDecoder_SplitChunks(t *testing.T) {
	var d frameDecoder
	require.Empty(t, d.Feed([]byte("data: {\"a\"")))
	require.Empty(t, d.Feed([]byte(":1}\n")))
	frames := d.Feed([]byte("\ndata: {\"b\":2}\r\n\r\ndata: tail"))
	require.Equal(t, []string{"data: {\"a\":1}", "data: {\"b\":2}"}, frames)
	require.Equal(t, "data: tail", d.Rest())
}

func TestDataLines(t *testing.T) {
	frame := ": keep-alive\r\nevent: message\ndata: {\"a\":1}\n\ndata:\ndata:{\"b\":2}"
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`}, dataLines(frame))

	line, ok := lastDataLine(frame)
	require.True(t, ok)
	require.Equal(t, `{"b":2}`, line)

	_, ok = lastDataLine(": only a comment")
	require.False(t, ok)
}
