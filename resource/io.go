package resource

import (
	"context"
	"io"
)

// ThrottledReader applies the controller's IO limit to an io.Reader.
// Tokens are charged for bytes actually read.
type ThrottledReader struct {
	ctx context.Context
	r   io.Reader
	c   *Controller
}

// NewThrottledReader wraps r. A nil controller passes reads through.
func NewThrottledReader(ctx context.Context, r io.Reader, c *Controller) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, r: r, c: c}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.c.ThrottleIO(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// ThrottledWriter applies the controller's IO limit to an io.Writer.
type ThrottledWriter struct {
	ctx context.Context
	w   io.Writer
	c   *Controller
}

// NewThrottledWriter wraps w. A nil controller passes writes through.
func NewThrottledWriter(ctx context.Context, w io.Writer, c *Controller) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, w: w, c: c}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if err := t.c.ThrottleIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}
