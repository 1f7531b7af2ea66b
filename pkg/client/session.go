package client

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

const readChunkSize = 4096

// Handlers receive session events. Any of them may be nil. They run on the
// session's read goroutine.
type Handlers struct {
	// OnDelta receives each fragment as it arrives.
	OnDelta func(content string)
	// OnError receives the diagnostic of an error frame.
	OnError func(message string)
	// OnReconcile receives the durable transcript once the session has ended.
	OnReconcile func(messages []chat.Message)
}

// Result summarises a finished session.
type Result struct {
	State frame.State
	// Text is what was visible when the session ended. A completed session
	// clears it in favour of Messages.
	Text string
	// Error is the diagnostic from an error frame.
	Error string
	// Err is set when the stream broke off without a terminal frame or the
	// transcript could not be re-read.
	Err       error
	Messages  []chat.Message
	Malformed int
}

// Session is one in-flight send. It must not be shared between conversations.
type Session struct {
	client         *Client
	conversationID string
	handlers       Handlers

	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	acc *Accumulator

	done   chan struct{}
	result Result
}

func newSession(c *Client, conversationID string, cancel context.CancelFunc, h Handlers) *Session {
	return &Session{
		client:         c,
		conversationID: conversationID,
		handlers:       h,
		cancel:         cancel,
		acc:            NewAccumulator(),
		done:           make(chan struct{}),
	}
}

// Cancel aborts the session. Only the first call has an effect; it reports
// whether that call moved an active session to aborted. Deltas already in
// flight are dropped from that point on.
func (s *Session) Cancel() bool {
	aborted := false
	s.once.Do(func() {
		s.mu.Lock()
		aborted = s.acc.Finish(frame.StateAborted) == nil
		s.mu.Unlock()
		s.cancel()
	})
	return aborted
}

// Wait blocks until the session has ended and the transcript was re-read. The
// re-read starts as soon as a terminal frame arrives, without waiting for the
// server to close the stream.
func (s *Session) Wait() Result {
	<-s.done
	return s.result
}

// Done is closed once Wait would return.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() frame.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.State()
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.Text()
}

func (s *Session) run(body io.ReadCloser) {
	defer close(s.done)

	logger := s.client.logger.With(zap.String("conversation_id", s.conversationID))
	var (
		dec       Decoder
		malformed int
		readErr   error
	)

	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			malformed += s.handle(logger, dec.Feed(buf[:n]))
		}
		if s.State().Terminal() {
			// nothing after a terminal frame or a cancel is applied
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				malformed += s.handle(logger, dec.Flush())
			} else {
				readErr = err
			}
			break
		}
	}
	body.Close()
	s.cancel()

	s.mu.Lock()
	if !s.acc.State().Terminal() {
		// the stream ended without a terminal frame
		_ = s.acc.Finish(frame.StateFailed)
		if readErr == nil {
			readErr = io.ErrUnexpectedEOF
		}
		logger.Warn("stream ended prematurely", zap.Error(readErr))
	} else if s.acc.State() != frame.StateFailed {
		readErr = nil
	}
	s.result = Result{
		State:     s.acc.State(),
		Text:      s.acc.Text(),
		Error:     s.acc.ErrorMessage(),
		Err:       readErr,
		Malformed: malformed,
	}
	s.mu.Unlock()

	s.reconcile(logger)
}

// handle applies decoded events and returns how many lines were malformed.
func (s *Session) handle(logger *zap.Logger, events []Event) int {
	malformed := 0
	for _, ev := range events {
		if ev.Err != nil {
			malformed++
			logger.Warn("skipping malformed frame", zap.ByteString("line", ev.Line), zap.Error(ev.Err))
			continue
		}

		s.mu.Lock()
		applied := s.acc.Apply(ev.Frame)
		s.mu.Unlock()
		if !applied {
			continue
		}

		switch ev.Frame.Kind {
		case frame.KindDelta:
			if s.handlers.OnDelta != nil {
				s.handlers.OnDelta(ev.Frame.Content)
			}
		case frame.KindError:
			logger.Warn("stream failed", zap.String("error", ev.Frame.Error))
			if s.handlers.OnError != nil {
				s.handlers.OnError(ev.Frame.Error)
			}
		}
	}
	return malformed
}

func (s *Session) reconcile(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.reconcileTimeout)
	defer cancel()

	messages, err := s.client.ListMessages(ctx, s.conversationID)
	if err != nil {
		logger.Warn("failed to reconcile transcript", zap.Error(err))
		if s.result.Err == nil {
			s.result.Err = err
		}
		return
	}
	s.result.Messages = messages
	if s.handlers.OnReconcile != nil {
		s.handlers.OnReconcile(messages)
	}
}
