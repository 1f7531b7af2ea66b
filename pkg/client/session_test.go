package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/frame"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

func transcriptServer(t *testing.T, messages []chat.Message) (*Client, *atomic.Int32) {
	t.Helper()
	reads := new(atomic.Int32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reads.Add(1)
		utils.RespondJSON(w, http.StatusOK, messages)
	}))
	t.Cleanup(server.Close)
	return New(server.URL), reads
}

func TestSessionCancelDropsInFlightDeltas(t *testing.T) {
	c, reads := transcriptServer(t, []chat.Message{{Role: chat.RoleUser, Content: "hi"}})

	var (
		mu     sync.Mutex
		deltas []string
	)
	first := make(chan struct{})
	_, cancel := context.WithCancel(context.Background())
	s := newSession(c, "conv-1", cancel, Handlers{
		OnDelta: func(content string) {
			mu.Lock()
			deltas = append(deltas, content)
			mu.Unlock()
			if content == "Hel" {
				close(first)
			}
		},
	})

	pr, pw := io.Pipe()
	go s.run(pr)

	write := func(frames ...frame.Frame) {
		var data []byte
		for _, f := range frames {
			encoded, err := frame.Encode(f)
			require.NoError(t, err)
			data = append(data, encoded...)
		}
		_, err := pw.Write(data)
		require.NoError(t, err)
	}

	write(frame.Delta("Hel"))
	<-first
	assert.True(t, s.Cancel())
	assert.False(t, s.Cancel())
	assert.Equal(t, frame.StateAborted, s.State())

	// already on the wire when the cancel landed
	write(frame.Delta("lo"), frame.Done())
	require.NoError(t, pw.Close())

	res := s.Wait()
	assert.Equal(t, frame.StateAborted, res.State)
	assert.Equal(t, "Hel", res.Text)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"Hel"}, deltas)
	assert.Len(t, res.Messages, 1)
	assert.EqualValues(t, 1, reads.Load())
}

func TestSessionPrematureEOF(t *testing.T) {
	c, _ := transcriptServer(t, []chat.Message{})

	reconciled := make(chan []chat.Message, 1)
	_, cancel := context.WithCancel(context.Background())
	s := newSession(c, "conv-1", cancel, Handlers{
		OnReconcile: func(messages []chat.Message) { reconciled <- messages },
	})

	pr, pw := io.Pipe()
	go s.run(pr)

	data, err := frame.Encode(frame.Delta("partial"))
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	res := s.Wait()
	assert.Equal(t, frame.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
	assert.Equal(t, "partial", res.Text)
	assert.NotNil(t, <-reconciled)
	assert.False(t, s.Cancel())
}

func TestSessionCountsMalformedFrames(t *testing.T) {
	c, _ := transcriptServer(t, nil)
	_, cancel := context.WithCancel(context.Background())
	s := newSession(c, "conv-1", cancel, Handlers{})

	pr, pw := io.Pipe()
	go s.run(pr)

	go func() {
		pw.Write([]byte("data: {oops\n\ndata: {\"content\":\"ok\"}\n\ndata: {\"done\":true}\n\n"))
		pw.Close()
	}()

	res := s.Wait()
	assert.Equal(t, frame.StateCompleted, res.State)
	assert.Equal(t, 1, res.Malformed)
	assert.Empty(t, res.Text)
	assert.NoError(t, res.Err)
}

func TestSessionReconcilesOnTerminalFrameWithoutEOF(t *testing.T) {
	c, reads := transcriptServer(t, []chat.Message{{Role: chat.RoleAssistant, Content: "Hi there!"}})
	core, logs := observer.New(zap.WarnLevel)
	c.logger = zap.New(core)

	cases := []struct {
		name  string
		frame frame.Frame
		state frame.State
	}{
		{"done", frame.Done(), frame.StateCompleted},
		{"error", frame.Failure("failed to generate response"), frame.StateFailed},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, cancel := context.WithCancel(context.Background())
			s := newSession(c, "conv-1", cancel, Handlers{})

			pr, pw := io.Pipe()
			defer pw.Close()
			go s.run(pr)

			var data []byte
			for _, f := range []frame.Frame{frame.Delta("Hi there!"), tc.frame} {
				encoded, err := frame.Encode(f)
				require.NoError(t, err)
				data = append(data, encoded...)
			}
			_, err := pw.Write(data)
			require.NoError(t, err)

			// the writer stays open; the terminal frame alone ends the session
			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session did not end on the terminal frame")
			}

			res := s.Wait()
			assert.Equal(t, tc.state, res.State)
			assert.NoError(t, res.Err)
			assert.Len(t, res.Messages, 1)
			assert.EqualValues(t, i+1, reads.Load())
		})
	}

	failed := logs.FilterMessage("stream failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "failed to generate response", failed[0].ContextMap()["error"])
}
