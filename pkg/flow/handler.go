package flow

import (
	"context"
	"fmt"
	"io"
)

// Handler is one stage of a flow. It reads its input from req.Data and
// writes its output to res.Data; returning ends the stage.
type Handler interface {
	ServeFlow(*Request, *Response) error
}

// HandlerFunc allows regular functions to be used as Handlers
type HandlerFunc func(req *Request, res *Response) error

func (f HandlerFunc) ServeFlow(req *Request, res *Response) error {
	return f(req, res)
}

type Request struct {
	Context context.Context
	Data    io.Reader
}

func NewRequest(ctx context.Context, data io.Reader) *Request {
	return &Request{Context: ctx, Data: data}
}

func (r *Request) WithContext(ctx context.Context) *Request {
	return &Request{Context: ctx, Data: r.Data}
}

func (r *Request) Done() <-chan struct{} {
	return r.Context.Done()
}

type Response struct {
	Data io.Writer
}

func NewResponse(data io.Writer) *Response {
	return &Response{Data: data}
}

// Read reads the whole request into a string or byte slice.
//
// Usage in handlers:
//
//	flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
//		var input string
//		if err := flow.Read(req, &input); err != nil {
//			return err
//		}
//		return flow.Write(res, strings.ToUpper(input))
//	})
func Read[T string | []byte](req *Request, outPtr *T) error {
	data, err := io.ReadAll(req.Data)
	if err != nil {
		return err
	}

	switch ptr := any(outPtr).(type) {
	case *string:
		*ptr = string(data)
	case *[]byte:
		*ptr = data
	default:
		return fmt.Errorf("unsupported type %T", outPtr)
	}
	return nil
}

// Write writes a string or byte slice to the response.
func Write[T string | []byte](res *Response, data T) error {
	switch v := any(data).(type) {
	case string:
		_, err := io.WriteString(res.Data, v)
		return err
	case []byte:
		_, err := res.Data.Write(v)
		return err
	default:
		return fmt.Errorf("unsupported type %T", data)
	}
}
