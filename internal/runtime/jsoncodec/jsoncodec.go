// Package jsoncodec is the JSON codec shared by node payload helpers, the io
// transport and topology loading.
package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// ContentType is stamped on payloads produced by Marshal through the node
// helpers.
const ContentType = "application/json"

var api = sonic.ConfigStd

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent encodes v with indentation.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// NewDecoder returns a decoder reading consecutive JSON values from r. The
// decoder buffers ahead, so keep using the same one for the whole stream.
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

// DecodeAs decodes data into a fresh T.
func DecodeAs[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, fmt.Errorf("decode %T: empty payload", out)
	}
	if err := api.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}
