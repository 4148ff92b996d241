package transport

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind names one response payload slot on the receiving side. The chunk
// action string carries the kind so the receiver knows which slot to reset
// or extend.
type Kind string

const (
	KindText Kind = "text"
	// KindBuffer is part of the receiver-side action alphabet only: no
	// response type selects it on dispatch, but assemblers accept it so
	// peers speaking the wider vocabulary still reconstruct correctly.
	KindBuffer      Kind = "buffer"
	KindStream      Kind = "stream"
	KindJSON        Kind = "json"
	KindBlob        Kind = "blob"
	KindDocument    Kind = "document"
	KindArrayBuffer Kind = "arraybuffer"
)

// Default chunk sizes. Binary payloads split on bytes, textual payloads on
// characters; both bound the size of any single channel message.
const (
	BinaryChunkBytes = 2 << 20
	TextChunkChars   = 2 << 20
)

// Chunk is one message of a chunked transfer. A reset chunk carries no data
// and tells the receiver to discard anything accumulated for the kind,
// including leftovers of an aborted earlier transfer.
type Chunk struct {
	Reset bool
	Data  string
}

// ResetAction formats the action string of a reset chunk.
func ResetAction(kind Kind) string { return "reset_chunk_" + string(kind) }

// AppendAction formats the action string of an append chunk.
func AppendAction(kind Kind) string { return "append_chunk_" + string(kind) }

// ParseChunkAction inverts ResetAction and AppendAction.
func ParseChunkAction(action string) (kind Kind, reset bool, ok bool) {
	if rest, found := strings.CutPrefix(action, "reset_chunk_"); found {
		return Kind(rest), true, true
	}
	if rest, found := strings.CutPrefix(action, "append_chunk_"); found {
		return Kind(rest), false, true
	}
	return "", false, false
}

// SplitText chunks a string into a reset followed by appends of at most
// chunkChars characters each. Splits land on rune boundaries so no append
// carries a torn code point.
func SplitText(s string, chunkChars int) []Chunk {
	if chunkChars <= 0 {
		chunkChars = TextChunkChars
	}
	chunks := []Chunk{{Reset: true}}
	for len(s) > 0 {
		end := len(s)
		if count := utf8.RuneCountInString(s); count > chunkChars {
			end = 0
			for i := 0; i < chunkChars; i++ {
				_, size := utf8.DecodeRuneInString(s[end:])
				end += size
			}
		}
		chunks = append(chunks, Chunk{Data: s[:end]})
		s = s[end:]
	}
	return chunks
}

// SplitBinary chunks a byte payload into a reset followed by appends of at
// most chunkBytes raw bytes, each independently base64-encoded.
func SplitBinary(b []byte, chunkBytes int) []Chunk {
	if chunkBytes <= 0 {
		chunkBytes = BinaryChunkBytes
	}
	chunks := []Chunk{{Reset: true}}
	for len(b) > 0 {
		end := len(b)
		if end > chunkBytes {
			end = chunkBytes
		}
		chunks = append(chunks, Chunk{Data: base64.StdEncoding.EncodeToString(b[:end])})
		b = b[end:]
	}
	return chunks
}

// Assembler reconstructs a chunked payload on the receiving side. It is the
// inverse of SplitText/SplitBinary and tolerates a reset arriving mid-stream
// by discarding everything accumulated so far.
type Assembler struct {
	kind Kind
	text strings.Builder
	bin  []byte
}

// NewAssembler creates an assembler for one payload kind.
func NewAssembler(kind Kind) *Assembler {
	return &Assembler{kind: kind}
}

func (a *Assembler) binary() bool {
	return a.kind == KindBuffer || a.kind == KindArrayBuffer || a.kind == KindBlob || a.kind == KindStream
}

// Accept consumes one chunk in arrival order.
func (a *Assembler) Accept(chunk Chunk) error {
	if chunk.Reset {
		a.text.Reset()
		a.bin = nil
		return nil
	}
	if a.binary() {
		raw, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			return fmt.Errorf("transport: decode chunk: %w", err)
		}
		a.bin = append(a.bin, raw...)
		return nil
	}
	a.text.WriteString(chunk.Data)
	return nil
}

// Text returns the accumulated textual payload.
func (a *Assembler) Text() string { return a.text.String() }

// Bytes returns the accumulated binary payload.
func (a *Assembler) Bytes() []byte { return a.bin }
