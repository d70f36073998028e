package flow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// InputConverter converts data to an io.Reader for processing
type InputConverter interface {
	ToReader() (io.Reader, error)
}

// OutputConverter processes an io.Reader into a target
type OutputConverter interface {
	FromReader(reader io.Reader) error
}

// Converter combines InputConverter and OutputConverter interfaces for bidirectional data conversion.
type Converter interface {
	InputConverter
	OutputConverter
}

func inputToReader(ctx context.Context, input any) (io.Reader, error) {
	if conv, ok := input.(InputConverter); ok {
		return conv.ToReader()
	}

	switch v := input.(type) {
	case string:
		return strings.NewReader(v), nil
	case []byte:
		return bytes.NewReader(v), nil
	case io.Reader:
		return v, nil
	case nil:
		return strings.NewReader(""), nil
	default:
		return nil, NewErr(ctx, fmt.Sprintf("unsupported input type: %T", input))
	}
}

// readerToOutput writes the final reader data to the output target.
// Only buffers when the target type requires it.
func readerToOutput(ctx context.Context, reader io.Reader, output any) error {
	if output == nil {
		_, err := io.Copy(io.Discard, reader)
		return err
	}

	switch out := output.(type) {
	case OutputConverter:
		if err := out.FromReader(reader); err != nil {
			return err
		}
		// converters may stop early; upstream stages must still finish
		_, err := io.Copy(io.Discard, reader)
		return err

	case io.Writer:
		_, err := io.Copy(out, reader)
		return err

	case *io.Reader:
		// Run must return before the caller can read, so a live pipe cannot
		// be handed out here. Use an io.Writer output to stream.
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, reader); err != nil {
			return err
		}
		*out = bytes.NewReader(buf.Bytes())
		return nil

	case *[]byte:
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, reader); err != nil {
			return err
		}
		*out = buf.Bytes()
		return nil

	case *string:
		var builder strings.Builder
		if _, err := io.Copy(&builder, reader); err != nil {
			return err
		}
		*out = builder.String()
		return nil

	default:
		return NewErr(ctx, fmt.Sprintf("unsupported output type: %T (use a converter for custom types)", output))
	}
}

func copyInputToOutput(ctx context.Context, input any, output any) error {
	switch in := input.(type) {
	case string:
		if outPtr, ok := output.(*string); ok {
			*outPtr = in
			return nil
		}
	case []byte:
		if outPtr, ok := output.(*[]byte); ok {
			*outPtr = append([]byte(nil), in...)
			return nil
		}
	}

	reader, err := inputToReader(ctx, input)
	if err != nil {
		return err
	}
	return readerToOutput(ctx, reader, output)
}
