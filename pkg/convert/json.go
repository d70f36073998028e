// Package convert moves structured data in and out of flows and converts
// between JSON and YAML as pipeline stages.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/calque-ai/iostream/pkg/flow"
)

// JSONInputConverter encodes a value as flow input.
type JSONInputConverter struct {
	data any
}

// JSONOutputConverter decodes flow output into a target.
type JSONOutputConverter struct {
	target any
}

// ToJSON creates an input converter for a value. Strings and byte slices
// holding JSON are validated and passed through as is; anything else is
// marshaled.
//
// Example:
//
//	err := f.Run(ctx, convert.ToJSON(doc), convert.FromJSON(&result))
func ToJSON(data any) flow.InputConverter {
	return &JSONInputConverter{data: data}
}

// FromJSON creates an output converter that decodes into target, which
// must be a pointer.
func FromJSON(target any) flow.OutputConverter {
	return &JSONOutputConverter{target: target}
}

func (j *JSONInputConverter) ToReader() (io.Reader, error) {
	ctx := context.Background()
	switch v := j.data.(type) {
	case string:
		if !json.Valid([]byte(v)) {
			return nil, flow.NewErr(ctx, "invalid JSON string")
		}
		return strings.NewReader(v), nil
	case []byte:
		if !json.Valid(v) {
			return nil, flow.NewErr(ctx, "invalid JSON bytes")
		}
		return bytes.NewReader(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, flow.WrapErr(ctx, err, "failed to marshal JSON")
		}
		return bytes.NewReader(data), nil
	}
}

func (j *JSONOutputConverter) FromReader(reader io.Reader) error {
	if err := json.NewDecoder(reader).Decode(j.target); err != nil {
		return flow.WrapErr(context.Background(), err, "failed to decode JSON")
	}
	return nil
}
