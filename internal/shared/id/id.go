// Package id provides centralized ID generation for the daemon.
//
// ULIDs with type-specific prefixes (mkr_*, cfm_*, scr_*, blob_*) keep logs
// readable and make it impossible to hand a blob reference where a marker is
// expected. Header-rule IDs are deliberately NOT generated here: rules need a
// monotonically increasing counter that survives restarts (see headrule).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MarkerID binds a logical proxy request across its whole lifecycle.
type MarkerID string

// ConfirmationID identifies one pending permission prompt.
type ConfirmationID string

// ScriptID identifies a registered userscript.
type ScriptID string

// BlobID references an out-of-band payload in the temporary blob store.
type BlobID string

const (
	MarkerPrefix       = "mkr"
	ConfirmationPrefix = "cfm"
	ScriptPrefix       = "scr"
	BlobPrefix         = "blob"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewMarkerID generates a new request marker ID.
func NewMarkerID() MarkerID {
	return MarkerID(Default().GenerateWithPrefix(MarkerPrefix))
}

// NewConfirmationID generates a new confirmation ID.
func NewConfirmationID() ConfirmationID {
	return ConfirmationID(Default().GenerateWithPrefix(ConfirmationPrefix))
}

// NewScriptID generates a new script ID.
func NewScriptID() ScriptID {
	return ScriptID(Default().GenerateWithPrefix(ScriptPrefix))
}

// NewBlobID generates a new blob reference ID.
func NewBlobID() BlobID {
	return BlobID(Default().GenerateWithPrefix(BlobPrefix))
}

func (id MarkerID) String() string       { return string(id) }
func (id ConfirmationID) String() string { return string(id) }
func (id ScriptID) String() string       { return string(id) }
func (id BlobID) String() string         { return string(id) }

// IsValid checks if the part after the prefix is a valid ULID.
func IsValid(id string) bool {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			_, err := ulid.Parse(id[i+1:])
			return err == nil
		}
	}
	_, err := ulid.Parse(id)
	return err == nil
}
