package transport

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime/multipart"
)

// BodyBytes renders a decoded envelope into HTTP request body bytes plus
// the content type to send with them. Null and undefined yield an empty
// body; form data is assembled into a real multipart payload with file
// parts pulled from the blob store.
func (c *Codec) BodyBytes(env *Envelope) ([]byte, string, error) {
	if env == nil {
		return nil, "", nil
	}
	switch env.Type {
	case TagNull, TagUndefined:
		return nil, "", nil
	case TagText:
		return []byte(env.Data), "text/plain;charset=UTF-8", nil
	case TagJSON:
		return []byte(env.Data), "application/json", nil
	case TagURLEncoded:
		return []byte(env.Data), "application/x-www-form-urlencoded;charset=UTF-8", nil
	case TagArrayBuffer, TagInt8Array, TagUint8Array, TagUint8ClampedArray,
		TagInt16Array, TagUint16Array, TagInt32Array, TagUint32Array,
		TagFloat32Array, TagFloat64Array, TagBigInt64Array, TagBigUint64Array:
		raw, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, "", fmt.Errorf("transport: decode binary body: %w", err)
		}
		return raw, "application/octet-stream", nil
	case TagBlob, TagFile:
		data, info, err := c.blobs.Get(env.BlobRef)
		if err != nil {
			return nil, "", err
		}
		ct := env.ContentType
		if ct == "" {
			ct = info.ContentType
		}
		return data, ct, nil
	case TagFormData:
		return c.multipartBody(env)
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedBody, env.Type)
	}
}

// ReleaseBody drops the blob store entries an envelope references. Called
// once the body bytes have been materialized; the TTL sweeper covers
// envelopes that never reach dispatch.
func (c *Codec) ReleaseBody(env *Envelope) {
	if env == nil {
		return
	}
	if env.BlobRef != "" {
		c.blobs.Release(env.BlobRef)
	}
	for _, field := range env.Fields {
		if field.BlobRef != "" {
			c.blobs.Release(field.BlobRef)
		}
	}
}

func (c *Codec) multipartBody(env *Envelope) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, field := range env.Fields {
		if field.BlobRef == "" {
			if err := w.WriteField(field.Name, field.Value); err != nil {
				return nil, "", fmt.Errorf("transport: multipart field %q: %w", field.Name, err)
			}
			continue
		}
		data, info, err := c.blobs.Get(field.BlobRef)
		if err != nil {
			return nil, "", err
		}
		name := field.FileName
		if name == "" {
			name = info.Name
		}
		part, err := w.CreateFormFile(field.Name, name)
		if err != nil {
			return nil, "", fmt.Errorf("transport: multipart file %q: %w", field.Name, err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("transport: multipart file %q: %w", field.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("transport: multipart finalize: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
