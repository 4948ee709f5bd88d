package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

var frameDelimiter = []byte("\n\n")

// Parser splits a byte stream into frames. It owns an accumulation buffer:
// every chunk is appended, complete blocks are cut off at the blank-line
// delimiter and whatever follows the last delimiter waits for the next chunk.
// Feeding the same bytes in any chunking yields the same frames.
type Parser struct {
	buf       []byte
	pendingCR bool
}

// Push appends chunk to the buffer and returns the frames it completed.
func (p *Parser) Push(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}

	data := chunk
	if p.pendingCR {
		data = append([]byte{'\r'}, chunk...)
		p.pendingCR = false
	}
	// A trailing '\r' may be the first half of a CRLF split across chunks.
	if data[len(data)-1] == '\r' {
		data = data[:len(data)-1]
		p.pendingCR = true
	}
	p.buf = append(p.buf, bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))...)

	var frames []Frame
	for {
		i := bytes.Index(p.buf, frameDelimiter)
		if i < 0 {
			break
		}
		block := string(p.buf[:i])
		p.buf = p.buf[i+len(frameDelimiter):]

		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}

	// Compact so a long stream does not pin the whole history in memory.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int {
	n := len(p.buf)
	if p.pendingCR {
		n++
	}
	return n
}

// parseBlock turns one blank-line delimited block into a frame. Blocks made
// only of comments or empty lines produce no frame.
func parseBlock(block string) (Frame, bool) {
	f := Frame{Event: DefaultEvent}
	var (
		dataLines []string
		seen      bool
	)

	for _, line := range strings.Split(block, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "event":
			if value != "" {
				f.Event = value
			}
			seen = true
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		case "id":
			f.ID = value
			seen = true
		default:
			// retry and unknown fields are ignored
		}
	}

	if !seen {
		return Frame{}, false
	}
	f.Data = strings.Join(dataLines, "\n")
	return f, true
}

// Decoder reads frames from an io.Reader.
type Decoder struct {
	r       io.Reader
	parser  Parser
	pending []Frame
	chunk   []byte
	err     error
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 32*1024)}
}

// Next blocks until the next complete frame is available. It returns io.EOF
// once the reader is exhausted; an incomplete trailing frame is dropped
// rather than surfaced half-read.
func (d *Decoder) Next() (Frame, error) {
	for len(d.pending) == 0 {
		if d.err != nil {
			return Frame{}, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.pending = d.parser.Push(d.chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			} else {
				d.err = err
			}
		}
	}

	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, nil
}
