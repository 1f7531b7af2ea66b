// Package client consumes the chat API: it decodes streamed frames into a live
// reply, lets the caller cancel a send, and re-reads the durable transcript
// once the stream ends.
package client

import (
	"bytes"
	"errors"

	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

// Event is one decoded line. Err is set (wrapping frame.ErrMalformed) when the
// line could not be decoded; Line then holds a copy of the raw bytes.
type Event struct {
	Frame frame.Frame
	Err   error
	Line  []byte
}

// Decoder turns arbitrary read chunks into frames. Lines are split at the byte
// level and only decoded once complete, so a multi-byte character split across
// two reads is reassembled before it is interpreted.
type Decoder struct {
	buf []byte
}

// Feed appends chunk and decodes every line it completes.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		if ev, ok := decode(d.buf[start : start+i]); ok {
			events = append(events, ev)
		}
		start += i + 1
	}

	// keep only the unterminated tail
	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}
	return events
}

// Flush decodes a final line left without a terminator at end of stream.
func (d *Decoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if ev, ok := decode(line); ok {
		return []Event{ev}
	}
	return nil
}

// Pending reports how many bytes are buffered awaiting a newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func decode(line []byte) (Event, bool) {
	f, err := frame.ParseLine(line)
	switch {
	case err == nil:
		return Event{Frame: f}, true
	case errors.Is(err, frame.ErrSkip):
		return Event{}, false
	default:
		return Event{Err: err, Line: append([]byte(nil), line...)}, true
	}
}
