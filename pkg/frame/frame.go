// Package frame defines the wire protocol shared by the stream producer and
// the stream consumer.
//
// Every frame is a single line of the form
//
//	data: <json>
//
// followed by a blank line. The JSON payload is one of
// {"content": "<fragment>"}, {"done": true} or {"error": "<message>"}.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind identifies the flavour of a frame.
type Kind string

const (
	KindDelta Kind = "delta"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

var (
	// ErrSkip marks a line that carries no frame (blank lines, comments, other SSE fields).
	ErrSkip = errors.New("frame: nothing to decode")
	// ErrMalformed marks a line that could not be decoded into a frame.
	ErrMalformed = errors.New("frame: malformed line")
	// ErrEmptyDelta is returned when encoding a delta without content.
	ErrEmptyDelta = errors.New("frame: delta content is empty")
	// ErrUnknownKind is returned when encoding a frame of an unknown kind.
	ErrUnknownKind = errors.New("frame: unknown kind")
)

var (
	dataField  = []byte("data:")
	terminator = []byte("\n\n")
)

// Frame is one self-delimited unit of the stream.
type Frame struct {
	Kind    Kind
	Content string
	Error   string
}

// Delta returns a frame carrying one text fragment.
func Delta(content string) Frame {
	return Frame{Kind: KindDelta, Content: content}
}

// Done returns the normal completion frame.
func Done() Frame {
	return Frame{Kind: KindDone}
}

// Failure returns an error frame with a short diagnostic.
func Failure(message string) Frame {
	return Frame{Kind: KindError, Error: message}
}

// Terminal reports whether no other frame may follow f.
func (f Frame) Terminal() bool {
	return f.Kind == KindDone || f.Kind == KindError
}

type deltaPayload struct {
	Content string `json:"content"`
}

type donePayload struct {
	Done bool `json:"done"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// Encode serialises f as `data: <json>\n\n`.
func Encode(f Frame) ([]byte, error) {
	var body any
	switch f.Kind {
	case KindDelta:
		if f.Content == "" {
			return nil, ErrEmptyDelta
		}
		body = deltaPayload{Content: f.Content}
	case KindDone:
		body = donePayload{Done: true}
	case KindError:
		body = errorPayload{Error: f.Error}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal %s payload: %w", f.Kind, err)
	}

	buf := make([]byte, 0, len(dataField)+1+len(data)+len(terminator))
	buf = append(buf, dataField...)
	buf = append(buf, ' ')
	buf = append(buf, data...)
	buf = append(buf, terminator...)
	return buf, nil
}

type linePayload struct {
	Content *string `json:"content"`
	Done    *bool   `json:"done"`
	Error   *string `json:"error"`
}

// ParseLine decodes one complete line (without its trailing newline).
// It returns ErrSkip for lines that carry no frame and wraps ErrMalformed for
// lines that cannot be decoded. It never panics on arbitrary input.
func ParseLine(line []byte) (Frame, error) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return Frame{}, ErrSkip
	}

	if !bytes.HasPrefix(line, dataField) {
		if isOtherField(line) {
			return Frame{}, ErrSkip
		}
		return Frame{}, fmt.Errorf("%w: missing data field", ErrMalformed)
	}

	data := bytes.TrimPrefix(line[len(dataField):], []byte(" "))
	if !utf8.Valid(data) {
		return Frame{}, fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}

	var p linePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case p.Error != nil:
		return Failure(*p.Error), nil
	case p.Done != nil && *p.Done:
		return Done(), nil
	case p.Content != nil:
		if *p.Content == "" {
			return Frame{}, ErrSkip
		}
		return Delta(*p.Content), nil
	}
	return Frame{}, fmt.Errorf("%w: no recognised field", ErrMalformed)
}

func isOtherField(line []byte) bool {
	for _, field := range [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")} {
		if bytes.HasPrefix(line, field) {
			return true
		}
	}
	return false
}
