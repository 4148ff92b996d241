package transport

import (
	"mime"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/saintfish/chardet"
)

// DecodeText converts response body bytes to a UTF-8 string. The declared
// charset wins when the content type names one; otherwise the bytes are
// sniffed. Unknown encodings fall back to a lossless byte-preserving pass.
func DecodeText(data []byte, contentType string) string {
	charset := declaredCharset(contentType)
	if charset == "" {
		charset = sniffCharset(data)
	}
	switch strings.ToLower(charset) {
	case "", "utf-8", "us-ascii", "ascii":
		return string(data)
	case "iso-8859-1", "windows-1252", "latin1":
		return decodeLatin1(data)
	case "utf-16le":
		return decodeUTF16(data, false)
	case "utf-16be":
		return decodeUTF16(data, true)
	default:
		return string(data)
	}
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

func sniffCharset(data []byte) string {
	if utf8.Valid(data) {
		return "utf-8"
	}
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil {
		return ""
	}
	return result.Charset
}

func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func decodeUTF16(data []byte, bigEndian bool) string {
	units := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		if bigEndian {
			units = append(units, uint16(data[i])<<8|uint16(data[i+1]))
		} else {
			units = append(units, uint16(data[i+1])<<8|uint16(data[i]))
		}
	}
	return string(utf16.Decode(units))
}
