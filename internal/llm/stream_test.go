package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hola\"}}]}\n\n" +
	": keep-alive\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\", ¿qué\"}}]}\n\n" +
	"data: not json at all\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"text\":\" tal\"}]}\n\n" +
	"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"? 👋\"}}]}\r\n\r\n" +
	"data: [DONE]\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"after done\"}}]}\n\n"

const sampleText = "Hola, ¿qué tal? 👋"

func reassemble(chunks ...string) string {
	var (
		d  Decoder
		sb strings.Builder
	)
	for _, c := range chunks {
		for _, f := range d.Feed([]byte(c)) {
			sb.WriteString(f)
		}
	}
	for _, f := range d.Flush() {
		sb.WriteString(f)
	}
	return sb.String()
}

func TestDecoder_SingleChunk(t *testing.T) {
	require.Equal(t, sampleText, reassemble(samplePayload))
}

func TestDecoder_EverySplitPoint(t *testing.T) {
	whole := reassemble(samplePayload)
	for i := 0; i <= len(samplePayload); i++ {
		got := reassemble(samplePayload[:i], samplePayload[i:])
		if got != whole {
			t.Fatalf("split at %d: got %q, want %q", i, got, whole)
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	chunks := make([]string, 0, len(samplePayload))
	for i := 0; i < len(samplePayload); i++ {
		chunks = append(chunks, samplePayload[i:i+1])
	}
	require.Equal(t, sampleText, reassemble(chunks...))
}

func TestDecoder_FragmentsInOrder(t *testing.T) {
	var d Decoder
	var got []string
	for _, c := range []string{"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\ndata: {\"choi", "ces\":[{\"delta\":{\"content\":\"b\"}}]}\n", "data: {\"choices\":[{\"delta\":{\"content\":\"c\"}}]}\n"} {
		got = append(got, d.Feed([]byte(c))...)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.False(t, d.Done())
}

func TestDecoder_StopsAtSentinel(t *testing.T) {
	var d Decoder
	frags := d.Feed([]byte("data: [DONE]\ndata: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"))
	assert.Empty(t, frags)
	assert.True(t, d.Done())
	assert.Empty(t, d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"later\"}}]}\n")))
	assert.Empty(t, d.Flush())
}

func TestDecoder_FlushUnterminatedLine(t *testing.T) {
	var d Decoder
	assert.Empty(t, d.Feed([]byte(`data: {"choices":[{"delta":{"content":"tail"}}]}`)))
	assert.Equal(t, []string{"tail"}, d.Flush())
}

func TestDecoder_BareJSONLines(t *testing.T) {
	// NDJSON without the data: prefix
	require.Equal(t, "xy", reassemble("{\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n{\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n"))
}
