package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Encode writes one frame whose data is payload serialized as JSON. The
// payload is marshalled before anything is written and the frame goes out in
// a single Write, so a failure never leaves half a frame on the wire.
func Encode(w io.Writer, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %q payload: %w", event, err)
	}
	return EncodeData(w, event, string(b))
}

// EncodeData writes one frame with pre-serialized data. Multi-line data is
// split over several "data:" lines so that decoding restores it unchanged.
func EncodeData(w io.Writer, event, data string) error {
	_, err := w.Write(frameBytes(event, data))
	return err
}

func frameBytes(event, data string) []byte {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// ErrStreamingUnsupported is returned by NewWriter when the response writer
// cannot be flushed.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support flushing")

// Writer serializes frames onto a streaming HTTP response. It is safe for
// concurrent use, which lets a heartbeat goroutine share the response with
// the handler producing events.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w, which must implement http.Flusher.
func NewWriter(w io.Writer) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{w: w, flusher: f}, nil
}

// Send encodes payload as event and flushes it to the client.
func (sw *Writer) Send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %q payload: %w", event, err)
	}
	return sw.write(frameBytes(event, string(b)))
}

// Comment writes a comment line. Decoders skip comments, so it can be used as
// a keep-alive without disturbing event order.
func (sw *Writer) Comment(text string) error {
	return sw.write([]byte(": " + text + "\n\n"))
}

func (sw *Writer) write(b []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := sw.w.Write(b); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
