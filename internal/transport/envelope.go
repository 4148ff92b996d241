// Package transport implements the channel's value envelope codec, the
// response chunking protocol and the temporary blob store.
//
// Channel messages are JSON, which cannot carry binary data or distinguish
// null from undefined. Every structured value therefore crosses the channel
// as a tagged envelope; large binary payloads travel out of band as blob
// references into the store.
package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// Envelope is the tagged wire form of one structured value.
type Envelope struct {
	Type        string      `json:"type"`
	Data        string      `json:"data,omitempty"`
	BlobRef     string      `json:"blob_ref,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	FileName    string      `json:"file_name,omitempty"`
	LastMod     int64       `json:"last_modified,omitempty"` // ms since epoch
	Fields      []FormField `json:"fields,omitempty"`
}

// FormField is one entry of a formdata envelope. File entries carry a blob
// reference; plain entries carry the value inline.
type FormField struct {
	Name        string `json:"name"`
	Value       string `json:"value,omitempty"`
	BlobRef     string `json:"blob_ref,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Envelope tags. Each typed-array tag maps to its own Go element type so a
// round trip through the channel preserves the value's identity, not just
// its bytes.
const (
	TagNull        = "null"
	TagUndefined   = "undefined"
	TagText        = "text"
	TagJSON        = "json"
	TagURLEncoded  = "urlencoded"
	TagArrayBuffer = "arraybuffer"
	TagBlob        = "blob"
	TagFile        = "file"
	TagFormData    = "formdata"

	TagInt8Array         = "int8array"
	TagUint8Array        = "uint8array"
	TagUint8ClampedArray = "uint8clampedarray"
	TagInt16Array        = "int16array"
	TagUint16Array       = "uint16array"
	TagInt32Array        = "int32array"
	TagUint32Array       = "uint32array"
	TagFloat32Array      = "float32array"
	TagFloat64Array      = "float64array"
	TagBigInt64Array     = "bigint64array"
	TagBigUint64Array    = "biguint64array"
)

// ErrUnsupportedBody reports a value kind the codec has no tag for.
var ErrUnsupportedBody = errors.New("transport: unsupported body type")

// Undefined is the decoded form of the undefined tag, distinct from nil.
type Undefined struct{}

// Typed-array value types. Encoding is little-endian, matching the layout a
// typed array view exposes on every platform the channel peers run on.
type (
	Int8Array         []int8
	Uint8Array        []uint8
	Uint8ClampedArray []uint8
	Int16Array        []int16
	Uint16Array       []uint16
	Int32Array        []int32
	Uint32Array       []uint32
	Float32Array      []float32
	Float64Array      []float64
	BigInt64Array     []int64
	BigUint64Array    []uint64
)

// Blob is an immutable binary payload with a content type.
type Blob struct {
	Data        []byte
	ContentType string
}

// File is a named blob with a modification time.
type File struct {
	Blob
	Name    string
	ModTime time.Time
}

// FormEntry is one field of a FormData value. A nil File means a plain
// text field.
type FormEntry struct {
	Name  string
	Value string
	File  *File
}

// FormData is an ordered multipart form value.
type FormData struct {
	Entries []FormEntry
}

// Codec encodes structured values to envelopes and back. Blob-backed tags
// go through the store; everything else is self-contained.
type Codec struct {
	blobs *BlobStore
}

// NewCodec creates a codec over the given blob store.
func NewCodec(blobs *BlobStore) *Codec {
	return &Codec{blobs: blobs}
}

// Encode wraps a value in its tagged envelope. Unknown types fall through
// to the JSON tag; a value that cannot be serialized encodes as an empty
// object or array rather than failing the whole message.
func (c *Codec) Encode(v interface{}) (*Envelope, error) {
	switch val := v.(type) {
	case nil:
		return &Envelope{Type: TagNull}, nil
	case Undefined:
		return &Envelope{Type: TagUndefined}, nil
	case string:
		return &Envelope{Type: TagText, Data: val}, nil
	case url.Values:
		return &Envelope{Type: TagURLEncoded, Data: val.Encode()}, nil
	case []byte:
		return &Envelope{Type: TagArrayBuffer, Data: base64.StdEncoding.EncodeToString(val)}, nil
	case Int8Array:
		return &Envelope{Type: TagInt8Array, Data: encodeLE(val)}, nil
	case Uint8Array:
		return &Envelope{Type: TagUint8Array, Data: encodeLE(val)}, nil
	case Uint8ClampedArray:
		return &Envelope{Type: TagUint8ClampedArray, Data: encodeLE([]uint8(val))}, nil
	case Int16Array:
		return &Envelope{Type: TagInt16Array, Data: encodeLE(val)}, nil
	case Uint16Array:
		return &Envelope{Type: TagUint16Array, Data: encodeLE(val)}, nil
	case Int32Array:
		return &Envelope{Type: TagInt32Array, Data: encodeLE(val)}, nil
	case Uint32Array:
		return &Envelope{Type: TagUint32Array, Data: encodeLE(val)}, nil
	case Float32Array:
		return &Envelope{Type: TagFloat32Array, Data: encodeLE(val)}, nil
	case Float64Array:
		return &Envelope{Type: TagFloat64Array, Data: encodeLE(val)}, nil
	case BigInt64Array:
		return &Envelope{Type: TagBigInt64Array, Data: encodeLE(val)}, nil
	case BigUint64Array:
		return &Envelope{Type: TagBigUint64Array, Data: encodeLE(val)}, nil
	case Blob:
		return c.encodeBlob(&val)
	case *Blob:
		return c.encodeBlob(val)
	case File:
		return c.encodeFile(&val)
	case *File:
		return c.encodeFile(val)
	case FormData:
		return c.encodeForm(&val)
	case *FormData:
		return c.encodeForm(val)
	default:
		return encodeJSON(v), nil
	}
}

// Decode unwraps an envelope back into its Go value.
func (c *Codec) Decode(env *Envelope) (interface{}, error) {
	switch env.Type {
	case TagNull:
		return nil, nil
	case TagUndefined:
		return Undefined{}, nil
	case TagText:
		return env.Data, nil
	case TagJSON:
		var v interface{}
		if err := sonic.UnmarshalString(env.Data, &v); err != nil {
			return nil, fmt.Errorf("transport: decode json envelope: %w", err)
		}
		return v, nil
	case TagURLEncoded:
		vals, err := url.ParseQuery(env.Data)
		if err != nil {
			return nil, fmt.Errorf("transport: decode urlencoded envelope: %w", err)
		}
		return vals, nil
	case TagArrayBuffer:
		return base64.StdEncoding.DecodeString(env.Data)
	case TagInt8Array:
		return decodeLE[int8, Int8Array](env.Data)
	case TagUint8Array:
		return decodeLE[uint8, Uint8Array](env.Data)
	case TagUint8ClampedArray:
		return decodeLE[uint8, Uint8ClampedArray](env.Data)
	case TagInt16Array:
		return decodeLE[int16, Int16Array](env.Data)
	case TagUint16Array:
		return decodeLE[uint16, Uint16Array](env.Data)
	case TagInt32Array:
		return decodeLE[int32, Int32Array](env.Data)
	case TagUint32Array:
		return decodeLE[uint32, Uint32Array](env.Data)
	case TagFloat32Array:
		return decodeLE[float32, Float32Array](env.Data)
	case TagFloat64Array:
		return decodeLE[float64, Float64Array](env.Data)
	case TagBigInt64Array:
		return decodeLE[int64, BigInt64Array](env.Data)
	case TagBigUint64Array:
		return decodeLE[uint64, BigUint64Array](env.Data)
	case TagBlob:
		return c.decodeBlob(env)
	case TagFile:
		return c.decodeFile(env)
	case TagFormData:
		return c.decodeForm(env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBody, env.Type)
	}
}

func (c *Codec) encodeBlob(b *Blob) (*Envelope, error) {
	ref, err := c.blobs.Put(b.Data, b.ContentType, "", time.Time{})
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: TagBlob, BlobRef: ref, ContentType: b.ContentType}, nil
}

func (c *Codec) encodeFile(f *File) (*Envelope, error) {
	ref, err := c.blobs.Put(f.Data, f.ContentType, f.Name, f.ModTime)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:        TagFile,
		BlobRef:     ref,
		ContentType: f.ContentType,
		FileName:    f.Name,
		LastMod:     f.ModTime.UnixMilli(),
	}, nil
}

func (c *Codec) encodeForm(fd *FormData) (*Envelope, error) {
	env := &Envelope{Type: TagFormData, Fields: make([]FormField, 0, len(fd.Entries))}
	for _, entry := range fd.Entries {
		if entry.File == nil {
			env.Fields = append(env.Fields, FormField{Name: entry.Name, Value: entry.Value})
			continue
		}
		ref, err := c.blobs.Put(entry.File.Data, entry.File.ContentType, entry.File.Name, entry.File.ModTime)
		if err != nil {
			return nil, err
		}
		env.Fields = append(env.Fields, FormField{
			Name:        entry.Name,
			BlobRef:     ref,
			FileName:    entry.File.Name,
			ContentType: entry.File.ContentType,
		})
	}
	return env, nil
}

func (c *Codec) decodeBlob(env *Envelope) (*Blob, error) {
	data, info, err := c.blobs.Get(env.BlobRef)
	if err != nil {
		return nil, err
	}
	ct := env.ContentType
	if ct == "" {
		ct = info.ContentType
	}
	return &Blob{Data: data, ContentType: ct}, nil
}

func (c *Codec) decodeFile(env *Envelope) (*File, error) {
	blob, err := c.decodeBlob(env)
	if err != nil {
		return nil, err
	}
	return &File{
		Blob:    *blob,
		Name:    env.FileName,
		ModTime: time.UnixMilli(env.LastMod),
	}, nil
}

func (c *Codec) decodeForm(env *Envelope) (*FormData, error) {
	fd := &FormData{Entries: make([]FormEntry, 0, len(env.Fields))}
	for _, field := range env.Fields {
		if field.BlobRef == "" {
			fd.Entries = append(fd.Entries, FormEntry{Name: field.Name, Value: field.Value})
			continue
		}
		data, info, err := c.blobs.Get(field.BlobRef)
		if err != nil {
			return nil, err
		}
		ct := field.ContentType
		if ct == "" {
			ct = info.ContentType
		}
		fd.Entries = append(fd.Entries, FormEntry{
			Name: field.Name,
			File: &File{Blob: Blob{Data: data, ContentType: ct}, Name: field.FileName},
		})
	}
	return fd, nil
}

// encodeJSON is the fallback path for arbitrary structured values. A value
// sonic cannot serialize degrades to an empty container of the right shape;
// losing one opaque value beats failing the surrounding message.
func encodeJSON(v interface{}) *Envelope {
	s, err := sonic.MarshalString(v)
	if err != nil {
		s = "{}"
		switch v.(type) {
		case []interface{}:
			s = "[]"
		}
	}
	return &Envelope{Type: TagJSON, Data: s}
}
