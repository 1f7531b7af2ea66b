package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-chat/backend/pkg/frame"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Sink receives the frames of one session in order.
type Sink interface {
	Send(f frame.Frame) error
}

// SSESink writes frames to an event-stream response, flushing after each one.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink returns an error when w cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

// Open commits the event-stream headers and a 200 status so the client sees
// the response before the first delta arrives.
func (s *SSESink) Open() {
	utils.SetupSSEHeaders(s.w)
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *SSESink) Send(f frame.Frame) error {
	return utils.WriteFrame(s.w, s.flusher, f)
}

// WebSocketSink writes each encoded frame as one text message.
type WebSocketSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink wraps conn. Writes are serialised.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocketSink) Send(f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return s.write(data)
}

// SendJSON writes a control message outside the frame protocol, serialised
// with the frames.
func (s *WebSocketSink) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *WebSocketSink) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
