package jsoncodec

import (
	"bytes"
	"errors"
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd

	// objectConfig keeps numbers as json.Number so loosely typed fields can be
	// coerced without losing precision.
	objectConfig = sonic.Config{
		EscapeHTML:  true,
		SortMapKeys: true,
		UseNumber:   true,
	}.Froze()
)

// ErrNotObject is returned by DecodeObject for valid JSON that is not an object.
var ErrNotObject = errors.New("jsoncodec: payload is not a JSON object")

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// DecodeObject parses data as a JSON object, keeping numbers as json.Number.
func DecodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var out map[string]any
	if err := objectConfig.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotObject
	}
	return out, nil
}
