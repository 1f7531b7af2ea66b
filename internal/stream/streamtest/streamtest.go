// Package streamtest provides scripted completion sources and recording sinks
// for exercising the producer without a model provider.
package streamtest

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

// Source replays Chunks, then ends with Err (if set) or EOF. With Block set it
// never ends on its own and ignores its context until Release is called.
type Source struct {
	Chunks  []string
	Err     error
	OpenErr error
	Block   bool
	// Step, when set, gates every chunk after the first.
	Step chan struct{}

	mu      sync.Mutex
	calls   int
	prompts [][]*schema.Message
	release chan struct{}
	once    sync.Once
}

func (s *Source) Stream(_ context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	s.mu.Lock()
	s.calls++
	s.prompts = append(s.prompts, messages)
	if s.release == nil {
		s.release = make(chan struct{})
	}
	release := s.release
	s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	reader, writer := schema.Pipe[*schema.Message](0)
	go func() {
		defer writer.Close()
		for i, chunk := range s.Chunks {
			if i > 0 && s.Step != nil {
				select {
				case <-s.Step:
				case <-release:
					return
				}
			}
			if closed := writer.Send(schema.AssistantMessage(chunk, nil), nil); closed {
				return
			}
		}
		if s.Block {
			<-release
			return
		}
		if s.Err != nil {
			writer.Send(nil, s.Err)
		}
	}()
	return reader, nil
}

// Release unblocks every stream opened by s.
func (s *Source) Release() {
	s.mu.Lock()
	if s.release == nil {
		s.release = make(chan struct{})
	}
	release := s.release
	s.mu.Unlock()
	s.once.Do(func() { close(release) })
}

// Calls reports how many streams were opened.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastPrompt returns the prompt of the most recent Stream call.
func (s *Source) LastPrompt() []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return nil
	}
	return s.prompts[len(s.prompts)-1]
}

// Sink records frames. OnSend runs after a frame is recorded; FailAfter makes
// every send beyond the first FailAfter frames return Err.
type Sink struct {
	OnSend    func(f frame.Frame)
	FailAfter int
	Err       error

	mu     sync.Mutex
	frames []frame.Frame
}

func (s *Sink) Send(f frame.Frame) error {
	s.mu.Lock()
	if s.Err != nil && len(s.frames) >= s.FailAfter {
		s.mu.Unlock()
		return s.Err
	}
	s.frames = append(s.frames, f)
	s.mu.Unlock()

	if s.OnSend != nil {
		s.OnSend(f)
	}
	return nil
}

// Frames returns a copy of the recorded frames.
func (s *Sink) Frames() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

// Text concatenates the recorded delta payloads.
func (s *Sink) Text() string {
	var out string
	for _, f := range s.Frames() {
		if f.Kind == frame.KindDelta {
			out += f.Content
		}
	}
	return out
}
