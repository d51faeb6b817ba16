package tee

import (
	"io"
	"time"
)

// ResponseSaver is a wrapper around the client connection that counts the
// response bytes written to it.
type ResponseSaver struct {
	w         io.Writer
	written   int64
	CreatedAt time.Time
}

// Implementation of io.Writer
func (t *ResponseSaver) Write(b []byte) (int, error) {
	n, err := t.w.Write(b)
	t.written += int64(n)
	return n, err
}

// Written returns the number of bytes passed through to the client.
func (t *ResponseSaver) Written() int64 {
	return t.written
}

// Elapsed returns the time since the saver was created.
func (t *ResponseSaver) Elapsed() time.Duration {
	return time.Since(t.CreatedAt)
}

// NewResponseSaver returns a new ResponseSaver writing through to w.
func NewResponseSaver(w io.Writer) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		w:         w,
	}
}
