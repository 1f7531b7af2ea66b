// Package stream drives one completion per send request and relays its deltas
// to the client as frames.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/character"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/ai"
	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

// Diagnostics sent to the client in error frames.
const (
	MsgGenerationFailed = "failed to generate response"
	MsgTimedOut         = "completion timed out"
	MsgPersistFailed    = "failed to save response"
)

// ErrTimedOut is reported in Outcome.Err when the upstream timeout fires.
var ErrTimedOut = errors.New("stream: completion timed out")

// Transcript is the slice of the repository the producer needs.
type Transcript interface {
	LoadCharacter(ctx context.Context, conversationID string) (character.Character, error)
	LoadHistory(ctx context.Context, conversationID string) ([]chat.Message, error)
	AppendMessage(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error)
}

// Outcome summarises a finished session.
type Outcome struct {
	State   frame.State
	Content string
	Message *chat.Message
	Err     error
	Deltas  int
}

// Producer runs streaming sessions. It is safe for concurrent use; callers are
// responsible for admitting at most one session per conversation.
type Producer struct {
	source     ai.Source
	transcript Transcript
	timeout    time.Duration
	logger     *zap.Logger
}

// NewProducer wires a producer. A zero timeout disables the upstream deadline.
func NewProducer(source ai.Source, transcript Transcript, timeout time.Duration, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		source:     source,
		transcript: transcript,
		timeout:    timeout,
		logger:     logger.Named("stream"),
	}
}

type received struct {
	msg *schema.Message
	err error
}

// Run streams one assistant reply for conversationID into sink. The user message
// must already be in the transcript. Run returns once the session is terminal.
func (p *Producer) Run(ctx context.Context, sink Sink, conversationID string) Outcome {
	s := &session{
		state:  frame.StateActive,
		sink:   sink,
		logger: p.logger.With(zap.String("conversation_id", conversationID)),
	}
	started := time.Now()
	defer func() {
		s.logger.Info("session finished",
			zap.String("state", string(s.state)),
			zap.Int("deltas", s.deltas),
			zap.Int("bytes", s.buf.Len()),
			zap.Duration("elapsed", time.Since(started)))
	}()

	c, err := p.transcript.LoadCharacter(ctx, conversationID)
	if err != nil {
		return s.fail(ctx, MsgGenerationFailed, err)
	}
	history, err := p.transcript.LoadHistory(ctx, conversationID)
	if err != nil {
		return s.fail(ctx, MsgGenerationFailed, err)
	}
	prompt := ai.BuildPrompt(c, history)

	var (
		upstreamCtx context.Context
		cancel      context.CancelFunc
	)
	if p.timeout > 0 {
		upstreamCtx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		upstreamCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	reader, err := p.source.Stream(upstreamCtx, prompt)
	if err != nil {
		if upstreamCtx.Err() != nil {
			return s.interrupted(ctx)
		}
		return s.fail(ctx, MsgGenerationFailed, err)
	}

	deltas := make(chan received)
	go func() {
		defer close(deltas)
		defer reader.Close()
		for {
			msg, err := reader.Recv()
			select {
			case deltas <- received{msg: msg, err: err}:
			case <-upstreamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-upstreamCtx.Done():
			return s.interrupted(ctx)

		case r, ok := <-deltas:
			if !ok {
				return s.interrupted(ctx)
			}
			if errors.Is(r.err, io.EOF) {
				return p.complete(ctx, s, conversationID)
			}
			if r.err != nil {
				if upstreamCtx.Err() != nil {
					return s.interrupted(ctx)
				}
				return s.fail(ctx, MsgGenerationFailed, r.err)
			}
			if r.msg == nil || r.msg.Content == "" {
				continue
			}
			if upstreamCtx.Err() != nil {
				return s.interrupted(ctx)
			}
			if err := s.sink.Send(frame.Delta(r.msg.Content)); err != nil {
				return s.abort(err)
			}
			s.buf.WriteString(r.msg.Content)
			s.deltas++
		}
	}
}

// complete persists the accumulated reply and then emits the done frame.
func (p *Producer) complete(ctx context.Context, s *session, conversationID string) Outcome {
	if err := ctx.Err(); err != nil {
		return s.abort(err)
	}

	msg, err := p.transcript.AppendMessage(context.WithoutCancel(ctx), conversationID, chat.RoleAssistant, s.buf.String())
	if err != nil {
		return s.fail(ctx, MsgPersistFailed, err)
	}

	out := s.finish(frame.StateCompleted, "", nil)
	out.Message = &msg
	if out.Err != nil {
		// The reply is durable; the client recovers it by re-reading the transcript.
		s.logger.Warn("done frame not delivered", zap.Error(out.Err))
	}
	return out
}

type session struct {
	state  frame.State
	sink   Sink
	buf    strings.Builder
	deltas int
	logger *zap.Logger
}

// interrupted resolves a cancelled upstream context: a cancelled request means
// the client left, otherwise the upstream deadline fired.
func (s *session) interrupted(ctx context.Context) Outcome {
	if err := ctx.Err(); err != nil {
		return s.abort(err)
	}
	return s.fail(ctx, MsgTimedOut, ErrTimedOut)
}

func (s *session) abort(cause error) Outcome {
	s.logger.Info("session aborted", zap.Error(cause))
	return s.finish(frame.StateAborted, "", cause)
}

func (s *session) fail(ctx context.Context, diagnostic string, cause error) Outcome {
	if ctx.Err() != nil {
		return s.abort(ctx.Err())
	}
	s.logger.Error("session failed", zap.String("diagnostic", diagnostic), zap.Error(cause))
	return s.finish(frame.StateFailed, diagnostic, cause)
}

// finish applies the lifecycle transition and emits its frame, if any.
func (s *session) finish(to frame.State, diagnostic string, cause error) Outcome {
	kind, emits, err := frame.Transition(s.state, to)
	if err != nil {
		s.logger.DPanic("illegal session transition", zap.Error(err))
		return s.outcome(cause)
	}
	s.state = to

	if emits {
		f := frame.Done()
		if kind == frame.KindError {
			f = frame.Failure(diagnostic)
		}
		if sendErr := s.sink.Send(f); sendErr != nil && cause == nil {
			cause = sendErr
		}
	}
	return s.outcome(cause)
}

func (s *session) outcome(err error) Outcome {
	out := Outcome{State: s.state, Err: err, Deltas: s.deltas}
	if s.state == frame.StateCompleted {
		out.Content = s.buf.String()
	}
	return out
}
