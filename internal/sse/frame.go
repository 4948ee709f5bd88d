// Package sse encodes and decodes named Server-Sent Events frames.
//
// A frame on the wire is a block of "field: value" lines terminated by a
// blank line:
//
//	event: delta
//	data: {"content":"Hel"}
//
// The same codec is used on both ends of the relay: the relay decodes the
// provider's stream and encodes its own, the client decodes the relay's.
package sse

import (
	"encoding/json"
	"fmt"
)

// DefaultEvent is the event name of a frame without an "event:" field.
const DefaultEvent = "message"

// Done is the sentinel data payload that ends an OpenAI-style stream.
const Done = "[DONE]"

// Frame is one decoded SSE event.
type Frame struct {
	// Event is the value of the "event:" field, or DefaultEvent.
	Event string

	// Data is all "data:" lines of the block joined with "\n".
	Data string

	// ID is the last "id:" field of the block, if any.
	ID string
}

// IsDone reports whether the frame carries the end-of-stream sentinel.
func (f Frame) IsDone() bool {
	return f.Data == Done
}

// Decode unmarshals the frame data as JSON into v. A payload that is not
// valid JSON yields a *MalformedFrameError; the stream itself stays usable.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal([]byte(f.Data), v); err != nil {
		return &MalformedFrameError{Event: f.Event, Data: f.Data, Err: err}
	}
	return nil
}

// MalformedFrameError reports a frame whose data could not be decoded.
type MalformedFrameError struct {
	Event string
	Data  string
	Err   error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("sse: malformed %q frame: %v", e.Event, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }
