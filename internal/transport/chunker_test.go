package transport

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextFiveMiB(t *testing.T) {
	payload := strings.Repeat("a", 5<<20)
	chunks := SplitText(payload, TextChunkChars)

	// 5 MiB at 2 MiB per append: reset + 2 full appends + 1 remainder.
	require.Len(t, chunks, 4)
	assert.True(t, chunks[0].Reset)
	assert.Empty(t, chunks[0].Data, "reset carries no data")
	assert.Len(t, chunks[1].Data, 2<<20)
	assert.Len(t, chunks[2].Data, 2<<20)
	assert.Len(t, chunks[3].Data, 1<<20)
}

func TestSplitTextEmpty(t *testing.T) {
	chunks := SplitText("", TextChunkChars)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Reset)
}

func TestSplitTextRuneBoundary(t *testing.T) {
	// Multibyte runes straddling the chunk limit must not be torn.
	payload := strings.Repeat("é", 5)
	chunks := SplitText(payload, 2)

	require.Len(t, chunks, 4)
	for _, ch := range chunks[1:] {
		assert.True(t, utf8Valid(ch.Data), "chunk %q tears a code point", ch.Data)
	}

	a := NewAssembler(KindText)
	for _, ch := range chunks {
		require.NoError(t, a.Accept(ch))
	}
	assert.Equal(t, payload, a.Text())
}

func utf8Valid(s string) bool {
	for _, r := range s {
		if r == '�' {
			return false
		}
	}
	return true
}

func TestSplitBinaryRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 1<<20) // 3 MiB
	chunks := SplitBinary(payload, BinaryChunkBytes)

	require.Len(t, chunks, 3)
	assert.True(t, chunks[0].Reset)

	// Each append is independently decodable.
	for _, ch := range chunks[1:] {
		_, err := base64.StdEncoding.DecodeString(ch.Data)
		require.NoError(t, err)
	}

	a := NewAssembler(KindBuffer)
	for _, ch := range chunks {
		require.NoError(t, a.Accept(ch))
	}
	assert.Equal(t, payload, a.Bytes())
}

func TestResetDiscardsEarlierTransfer(t *testing.T) {
	a := NewAssembler(KindText)
	require.NoError(t, a.Accept(Chunk{Reset: true}))
	require.NoError(t, a.Accept(Chunk{Data: "stale partial "}))

	// A new transfer begins mid-stream; the stale prefix must vanish.
	require.NoError(t, a.Accept(Chunk{Reset: true}))
	require.NoError(t, a.Accept(Chunk{Data: "fresh"}))
	assert.Equal(t, "fresh", a.Text())
}

func TestChunkActions(t *testing.T) {
	assert.Equal(t, "reset_chunk_text", ResetAction(KindText))
	assert.Equal(t, "append_chunk_arraybuffer", AppendAction(KindArrayBuffer))

	kind, reset, ok := ParseChunkAction("reset_chunk_blob")
	require.True(t, ok)
	assert.True(t, reset)
	assert.Equal(t, KindBlob, kind)

	kind, reset, ok = ParseChunkAction("append_chunk_stream")
	require.True(t, ok)
	assert.False(t, reset)
	assert.Equal(t, KindStream, kind)

	_, _, ok = ParseChunkAction("onload")
	assert.False(t, ok)
}
