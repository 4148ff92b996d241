package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

type element interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// encodeLE serializes a numeric slice little-endian and base64-encodes it.
func encodeLE[T element](vals []T) string {
	buf := new(bytes.Buffer)
	buf.Grow(len(vals) * binary.Size(*new(T)))
	_ = binary.Write(buf, binary.LittleEndian, vals)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// decodeLE reverses encodeLE into the named slice type S.
func decodeLE[T element, S ~[]T](data string) (S, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("transport: decode typed array: %w", err)
	}
	size := binary.Size(*new(T))
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("transport: typed array length %d not a multiple of element size %d", len(raw), size)
	}
	out := make(S, len(raw)/size)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("transport: decode typed array: %w", err)
	}
	return out, nil
}
