// Package sse consumes the generation progress stream. The server writes
// `data: {...}` lines and ends the run by closing the connection; network
// reads do not line up with those lines, so bytes are buffered until a line
// is complete.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const dataPrefix = "data:"

// maxLine bounds a single buffered line.
const maxLine = 1 << 20

// ErrLineTooLong is returned when a line exceeds the buffer bound without a
// terminator.
var ErrLineTooLong = errors.New("sse: line too long")

// Decoder extracts complete data payloads from a byte stream.
type Decoder struct {
	r     io.Reader
	buf   []byte
	queue [][]byte
	eof   bool
	err   error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Feed appends raw bytes and returns the data payloads of every line the
// new bytes completed. Incomplete trailing bytes stay buffered.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)
	return d.drain(false)
}

// Flush returns the payload of a final unterminated line, if any.
func (d *Decoder) Flush() [][]byte {
	return d.drain(true)
}

// Buffered reports how many bytes wait for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next data payload read from the underlying reader. It
// returns io.EOF once the stream is closed and fully drained.
func (d *Decoder) Next() ([]byte, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		if d.eof {
			d.queue = d.Flush()
			if len(d.queue) == 0 {
				d.err = io.EOF
			}
			continue
		}
		chunk := make([]byte, 4096)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.queue = d.Feed(chunk[:n])
		}
		if err == io.EOF {
			d.eof = true
		} else if err != nil {
			d.err = err
		}
		if len(d.buf) > maxLine {
			d.err = ErrLineTooLong
		}
	}

	next := d.queue[0]
	d.queue = d.queue[1:]
	return next, nil
}

func (d *Decoder) drain(final bool) [][]byte {
	var out [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		var line []byte
		if i < 0 {
			if !final || len(d.buf) == 0 {
				return out
			}
			line = d.buf
			d.buf = nil
		} else {
			line = d.buf[:i]
			d.buf = d.buf[i+1:]
		}
		if p, ok := payload(line); ok {
			out = append(out, p)
		}
	}
}

func payload(line []byte) ([]byte, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, false
	}
	p := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	out := make([]byte, len(p))
	copy(out, p)
	return out, true
}

// ProgressEvent is one generation progress update.
type ProgressEvent struct {
	Progress *int   `json:"progress,omitempty"`
	Status   string `json:"status,omitempty"`
	Task     string `json:"task,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Stream decodes progress events from r in order and hands each to fn.
// Malformed payloads are logged and skipped. Stream returns nil when the
// server closes the stream.
func Stream(ctx context.Context, r io.Reader, logger *slog.Logger, fn func(ProgressEvent)) error {
	if logger == nil {
		logger = slog.Default()
	}
	dec := NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading progress stream: %w", err)
		}

		var ev ProgressEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn("skipping malformed progress event", "payload", string(raw), "error", err)
			continue
		}
		fn(ev)
	}
}
