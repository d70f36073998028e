package convert

import (
	"bytes"
	"context"
	"io"

	"github.com/goccy/go-yaml"

	"github.com/calque-ai/iostream/pkg/flow"
)

// YAMLInputConverter encodes a value as YAML flow input.
type YAMLInputConverter struct {
	data any
}

// YAMLOutputConverter decodes YAML flow output into a target.
type YAMLOutputConverter struct {
	target any
}

// ToYAML creates an input converter that marshals data as YAML. Strings
// and byte slices are validated and passed through.
func ToYAML(data any) flow.InputConverter {
	return &YAMLInputConverter{data: data}
}

// FromYAML creates an output converter that decodes into target.
func FromYAML(target any) flow.OutputConverter {
	return &YAMLOutputConverter{target: target}
}

func (y *YAMLInputConverter) ToReader() (io.Reader, error) {
	var raw []byte
	switch v := y.data.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, flow.WrapErr(context.Background(), err, "failed to marshal YAML")
		}
		return bytes.NewReader(data), nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, flow.WrapErr(context.Background(), err, "invalid YAML input")
	}
	return bytes.NewReader(raw), nil
}

func (y *YAMLOutputConverter) FromReader(reader io.Reader) error {
	if err := yaml.NewDecoder(reader).Decode(y.target); err != nil {
		return flow.WrapErr(context.Background(), err, "failed to decode YAML")
	}
	return nil
}

// YAMLToJSON is a stage that converts a YAML document to JSON, so YAML can
// feed JSON-only tools such as jq.
//
// Behavior: BUFFERED - reads the whole document
func YAMLToJSON() flow.Handler {
	return transform("yaml to json", func(in []byte) ([]byte, error) {
		return yaml.YAMLToJSON(in)
	})
}

// JSONToYAML is a stage that converts a JSON document to YAML.
//
// Behavior: BUFFERED - reads the whole document
func JSONToYAML() flow.Handler {
	return transform("json to yaml", func(in []byte) ([]byte, error) {
		return yaml.JSONToYAML(in)
	})
}

func transform(name string, fn func([]byte) ([]byte, error)) flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		var in []byte
		if err := flow.Read(req, &in); err != nil {
			return err
		}
		out, err := fn(in)
		if err != nil {
			return flow.WrapErr(req.Context, err, name)
		}
		return flow.Write(res, out)
	})
}
