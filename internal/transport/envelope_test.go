package transport

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scriptgate/scriptgate/internal/logging"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	blobs, err := NewBlobStore(t.TempDir(), time.Minute, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(blobs.Close)
	return NewCodec(blobs)
}

func TestEncodeDecodeText(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Encode("hello, world")
	require.NoError(t, err)
	assert.Equal(t, TagText, env.Type)

	v, err := c.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", v)
}

func TestNullAndUndefinedAreDistinct(t *testing.T) {
	c := newTestCodec(t)

	nullEnv, err := c.Encode(nil)
	require.NoError(t, err)
	undefEnv, err := c.Encode(Undefined{})
	require.NoError(t, err)

	assert.NotEqual(t, nullEnv.Type, undefEnv.Type)

	nv, err := c.Decode(nullEnv)
	require.NoError(t, err)
	assert.Nil(t, nv)

	uv, err := c.Decode(undefEnv)
	require.NoError(t, err)
	assert.Equal(t, Undefined{}, uv)
}

func TestEncodeDecodeTypedArrays(t *testing.T) {
	c := newTestCodec(t)

	t.Run("int16 preserves identity", func(t *testing.T) {
		in := Int16Array{-1, 0, 256, -32768}
		env, err := c.Encode(in)
		require.NoError(t, err)
		assert.Equal(t, TagInt16Array, env.Type)

		out, err := c.Decode(env)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("float64 round trip", func(t *testing.T) {
		in := Float64Array{3.14159, -2.5, 0}
		env, err := c.Encode(in)
		require.NoError(t, err)

		out, err := c.Decode(env)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("biguint64 round trip", func(t *testing.T) {
		in := BigUint64Array{0, 1, 18446744073709551615}
		env, err := c.Encode(in)
		require.NoError(t, err)

		out, err := c.Decode(env)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("uint8 and clamped are distinct tags", func(t *testing.T) {
		plain, err := c.Encode(Uint8Array{1, 2})
		require.NoError(t, err)
		clamped, err := c.Encode(Uint8ClampedArray{1, 2})
		require.NoError(t, err)
		assert.NotEqual(t, plain.Type, clamped.Type)
	})
}

func TestDecodeTypedArrayBadLength(t *testing.T) {
	c := newTestCodec(t)
	// Three bytes cannot be an int16 sequence.
	_, err := c.Decode(&Envelope{Type: TagInt16Array, Data: "AAAA"})
	assert.Error(t, err)
}

func TestEncodeDecodeURLEncoded(t *testing.T) {
	c := newTestCodec(t)
	in := url.Values{"a": {"1"}, "b": {"two words"}}

	env, err := c.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, TagURLEncoded, env.Type)

	out, err := c.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeJSONFallback(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Encode(map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, TagJSON, env.Type)

	out, err := c.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": "v"}, out)
}

func TestEncodeUnserializableDegrades(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Encode(map[string]interface{}{"fn": func() {}})
	require.NoError(t, err)
	assert.Equal(t, TagJSON, env.Type)
	assert.Equal(t, "{}", env.Data)
}

func TestBlobTravelsOutOfBand(t *testing.T) {
	c := newTestCodec(t)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	env, err := c.Encode(Blob{Data: payload, ContentType: "application/octet-stream"})
	require.NoError(t, err)
	assert.Equal(t, TagBlob, env.Type)
	assert.NotEmpty(t, env.BlobRef)
	assert.Empty(t, env.Data, "blob bytes never ride inline")

	out, err := c.Decode(env)
	require.NoError(t, err)
	blob := out.(*Blob)
	assert.Equal(t, payload, blob.Data)
	assert.Equal(t, "application/octet-stream", blob.ContentType)
}

func TestFileKeepsNameAndModTime(t *testing.T) {
	c := newTestCodec(t)
	mod := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	env, err := c.Encode(File{
		Blob:    Blob{Data: []byte("content"), ContentType: "text/plain"},
		Name:    "notes.txt",
		ModTime: mod,
	})
	require.NoError(t, err)

	out, err := c.Decode(env)
	require.NoError(t, err)
	f := out.(*File)
	assert.Equal(t, "notes.txt", f.Name)
	assert.Equal(t, mod.UnixMilli(), f.ModTime.UnixMilli())
	assert.Equal(t, []byte("content"), f.Data)
}

func TestFormDataRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	in := FormData{Entries: []FormEntry{
		{Name: "field", Value: "plain"},
		{Name: "upload", File: &File{
			Blob: Blob{Data: []byte("filedata"), ContentType: "text/csv"},
			Name: "data.csv",
		}},
	}}

	env, err := c.Encode(in)
	require.NoError(t, err)
	require.Len(t, env.Fields, 2)
	assert.Empty(t, env.Fields[0].BlobRef)
	assert.NotEmpty(t, env.Fields[1].BlobRef)

	out, err := c.Decode(env)
	require.NoError(t, err)
	fd := out.(*FormData)
	require.Len(t, fd.Entries, 2)
	assert.Equal(t, "plain", fd.Entries[0].Value)
	assert.Equal(t, "data.csv", fd.Entries[1].File.Name)
	assert.Equal(t, []byte("filedata"), fd.Entries[1].File.Data)
}

func TestDecodeUnknownTag(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Decode(&Envelope{Type: "hologram"})
	assert.ErrorIs(t, err, ErrUnsupportedBody)
}

func TestBodyBytesMultipart(t *testing.T) {
	c := newTestCodec(t)
	env, err := c.Encode(FormData{Entries: []FormEntry{
		{Name: "name", Value: "value"},
		{Name: "f", File: &File{Blob: Blob{Data: []byte("xyz"), ContentType: "text/plain"}, Name: "f.txt"}},
	}})
	require.NoError(t, err)

	body, ct, err := c.BodyBytes(env)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "multipart/form-data; boundary="))
	assert.Contains(t, string(body), `name="name"`)
	assert.Contains(t, string(body), `filename="f.txt"`)
	assert.Contains(t, string(body), "xyz")
}

func TestBodyBytesSimpleTypes(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name   string
		value  interface{}
		wantCT string
		want   string
	}{
		{"text", "payload", "text/plain;charset=UTF-8", "payload"},
		{"urlencoded", url.Values{"a": {"1"}}, "application/x-www-form-urlencoded;charset=UTF-8", "a=1"},
		{"null empty", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := c.Encode(tt.value)
			require.NoError(t, err)
			body, ct, err := c.BodyBytes(env)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCT, ct)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestReleaseBodyDropsBlobRefs(t *testing.T) {
	c := newTestCodec(t)

	env, err := c.Encode(&Blob{Data: []byte("payload"), ContentType: "text/plain"})
	require.NoError(t, err)
	require.NotEmpty(t, env.BlobRef)

	body, ct, err := c.BodyBytes(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)
	assert.Equal(t, "text/plain", ct)

	c.ReleaseBody(env)
	_, _, err = c.blobs.Get(env.BlobRef)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	// Nil and ref-free envelopes are no-ops.
	c.ReleaseBody(nil)
	c.ReleaseBody(&Envelope{Type: TagText, Data: "x"})
}
