package logger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/calque-ai/iostream/pkg/flow"
)

// Head logs a preview of the first headBytes of the stream, then passes the
// whole stream through.
//
// Behavior: STREAMING - peeks without consuming
//
// Example:
//
//	f.Use(log.Debug().Head("stdin", 64))
func (hb *HandlerBuilder) Head(prefix string, headBytes int, attrs ...Attribute) flow.Handler {
	return hb.createHandler(func(req *flow.Request, res *flow.Response, logf logFunc) error {
		br := bufio.NewReaderSize(req.Data, max(headBytes, 16))
		first, err := br.Peek(headBytes)
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return err
		}
		logf("["+prefix+"]", withAttrs(attrs, Attr("preview", formatPreview(first)))...)

		_, err = io.Copy(res.Data, br)
		return err
	})
}

// Chunks logs every read of up to chunkSize bytes as it passes through.
//
// Behavior: STREAMING - one log entry per chunk, no buffering
func (hb *HandlerBuilder) Chunks(prefix string, chunkSize int, attrs ...Attribute) flow.Handler {
	return hb.createHandler(func(req *flow.Request, res *flow.Response, logf logFunc) error {
		buf := make([]byte, max(chunkSize, 1))
		chunk, total := 0, 0
		for {
			n, err := req.Data.Read(buf)
			if n > 0 {
				chunk++
				total += n
				logf(fmt.Sprintf("[%s] chunk %d", prefix, chunk), withAttrs(attrs,
					Attr("chunk_size", n),
					Attr("total_bytes", total),
					Attr("data", formatPreview(buf[:n])),
				)...)
				if _, werr := res.Data.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
}

// HeadTail logs the first headBytes and last tailBytes of the stream in one
// entry once it ends.
//
// Behavior: STREAMING - constant memory
//
// Example:
//
//	f.Use(log.Info().HeadTail("stdout", 30, 20))
func (hb *HandlerBuilder) HeadTail(prefix string, headBytes, tailBytes int, attrs ...Attribute) flow.Handler {
	return hb.createHandler(func(req *flow.Request, res *flow.Response, logf logFunc) error {
		capture := newHeadTailCapture(headBytes, tailBytes)
		if _, err := io.Copy(res.Data, io.TeeReader(req.Data, capture)); err != nil {
			return err
		}
		logf("["+prefix+"]", withAttrs(attrs,
			Attr("head", formatPreview(capture.headBuf)),
			Attr("tail", formatPreview(capture.tail())),
			Attr("total_bytes", capture.totalBytes),
		)...)
		return nil
	})
}

// Timing wraps handler and logs its duration, the bytes it read and its
// throughput. Errors from handler are logged as well as returned.
//
// Example:
//
//	f.Use(log.Info().Timing("sort", iostream.Handler("sort", nil)))
func (hb *HandlerBuilder) Timing(prefix string, handler flow.Handler, attrs ...Attribute) flow.Handler {
	return hb.createHandler(func(req *flow.Request, res *flow.Response, logf logFunc) error {
		start := time.Now()
		counter := &countingReader{r: req.Data}
		err := handler.ServeFlow(flow.NewRequest(req.Context, counter), res)
		elapsed := time.Since(start)

		field, value := formatDuration(elapsed)
		n := counter.n.Load()
		all := withAttrs(attrs, Attr(field, value), Attr("bytes", n))
		if n > 0 && elapsed > 0 {
			all = append(all, Attr("bytes_per_sec", float64(n)/elapsed.Seconds()))
		}
		if err != nil {
			logf("["+prefix+"] failed", append(all, Attr("error", err))...)
			return err
		}
		logf("["+prefix+"] completed", all...)
		return nil
	})
}

// Print logs the complete stream as a string.
//
// Behavior: BUFFERED - reads the entire input into memory
func (hb *HandlerBuilder) Print(prefix string, attrs ...Attribute) flow.Handler {
	return hb.createHandler(func(req *flow.Request, res *flow.Response, logf logFunc) error {
		var data []byte
		if err := flow.Read(req, &data); err != nil {
			return err
		}
		logf("["+prefix+"]", withAttrs(attrs,
			Attr("total_bytes", len(data)),
			Attr("content", string(data)),
		)...)
		return flow.Write(res, data)
	})
}

type logFunc func(msg string, attrs ...Attribute)

// createHandler resolves the logging context: the builder's, then the
// request's, then Background.
func (hb *HandlerBuilder) createHandler(fn func(*flow.Request, *flow.Response, logFunc) error) flow.Handler {
	return flow.HandlerFunc(func(req *flow.Request, res *flow.Response) error {
		ctx := hb.ctx
		if ctx == nil {
			ctx = req.Context
		}
		if ctx == nil {
			ctx = context.Background()
		}
		return fn(req, res, func(msg string, attrs ...Attribute) {
			hb.printer.Print(ctx, msg, attrs...)
		})
	})
}

func withAttrs(base []Attribute, extra ...Attribute) []Attribute {
	all := make([]Attribute, 0, len(base)+len(extra))
	all = append(all, base...)
	return append(all, extra...)
}

// countingReader may still be read by a stage's input copy after the stage
// returned, hence the atomic.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// headTailCapture keeps the first headSize bytes and a ring of the last
// tailSize bytes.
type headTailCapture struct {
	headBuf    []byte
	tailBuf    []byte
	tailLen    int
	totalBytes int
	headSize   int
}

func newHeadTailCapture(headSize, tailSize int) *headTailCapture {
	return &headTailCapture{
		headBuf:  make([]byte, 0, headSize),
		tailBuf:  make([]byte, tailSize),
		headSize: headSize,
	}
}

func (h *headTailCapture) Write(p []byte) (int, error) {
	if len(h.headBuf) < h.headSize {
		needed := min(h.headSize-len(h.headBuf), len(p))
		h.headBuf = append(h.headBuf, p[:needed]...)
	}

	size := len(h.tailBuf)
	switch {
	case size == 0:
	case len(p) >= size:
		copy(h.tailBuf, p[len(p)-size:])
		h.tailLen = size
	default:
		copy(h.tailBuf, h.tailBuf[len(p):])
		copy(h.tailBuf[size-len(p):], p)
		h.tailLen = min(h.tailLen+len(p), size)
	}

	h.totalBytes += len(p)
	return len(p), nil
}

func (h *headTailCapture) tail() []byte {
	return h.tailBuf[len(h.tailBuf)-h.tailLen:]
}

// formatDuration picks the field name by magnitude.
func formatDuration(d time.Duration) (string, float64) {
	switch {
	case d < 10*time.Millisecond:
		return "duration_µs", float64(d.Microseconds())
	case d >= time.Second:
		return "duration_s", d.Seconds()
	default:
		return "duration_ms", float64(d.Milliseconds())
	}
}

// formatPreview renders text as is and binary data as a hex summary.
func formatPreview(data []byte) string {
	if len(data) == 0 {
		return "<empty>"
	}
	if isPrintable(data) {
		return string(data)
	}
	if len(data) > 20 {
		return fmt.Sprintf("binary data (%d bytes): %x...", len(data), data[:20])
	}
	return fmt.Sprintf("binary data: %x", data)
}

func isPrintable(data []byte) bool {
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError {
			return false
		}
		if !unicode.IsPrint(r) && !isWhitespace(r) {
			return false
		}
		data = data[size:]
	}
	return true
}

func isWhitespace(r rune) bool {
	return r == '\t' || r == '\n' || r == '\r' || r == ' '
}
