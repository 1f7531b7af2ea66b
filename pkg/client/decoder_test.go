package client

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/pkg/frame"
)

func encodeAll(t *testing.T, frames ...frame.Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		data, err := frame.Encode(f)
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

func framesOf(t *testing.T, events []Event) []frame.Frame {
	t.Helper()
	out := make([]frame.Frame, 0, len(events))
	for _, ev := range events {
		require.NoError(t, ev.Err)
		out = append(out, ev.Frame)
	}
	return out
}

func TestDecoderChunkBoundaries(t *testing.T) {
	want := []frame.Frame{
		frame.Delta("Grüße, "),
		frame.Delta("世界"),
		frame.Delta(" 🎉 "),
		frame.Delta("line\nbreak"),
		frame.Done(),
	}
	stream := encodeAll(t, want...)
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		var (
			dec    Decoder
			events []Event
		)
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(len(rest))
			if n > 9 {
				n = 1 + rng.Intn(9)
			}
			events = append(events, dec.Feed(rest[:n])...)
			rest = rest[n:]
		}
		events = append(events, dec.Flush()...)

		require.Equal(t, want, framesOf(t, events), "round %d", round)
		assert.Zero(t, dec.Pending())
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	stream := encodeAll(t, frame.Delta("日本語"), frame.Failure("boom"))

	var (
		dec    Decoder
		events []Event
	)
	for i := range stream {
		events = append(events, dec.Feed(stream[i:i+1])...)
	}

	assert.Equal(t, []frame.Frame{frame.Delta("日本語"), frame.Failure("boom")}, framesOf(t, events))
}

func TestDecoderMalformedLines(t *testing.T) {
	input := []byte("data: {not json\n\n" +
		": keep-alive\n\n" +
		"data: {\"content\":\"ok\"}\n\n" +
		"garbage\n" +
		"event: message\n" +
		"data: {\"done\":true}\n\n")

	var dec Decoder
	events := dec.Feed(input)

	require.Len(t, events, 4)
	assert.True(t, errors.Is(events[0].Err, frame.ErrMalformed))
	assert.Equal(t, "data: {not json", string(events[0].Line))
	assert.Equal(t, frame.Delta("ok"), events[1].Frame)
	assert.True(t, errors.Is(events[2].Err, frame.ErrMalformed))
	assert.Equal(t, frame.Done(), events[3].Frame)
}

func TestDecoderFlushUnterminatedLine(t *testing.T) {
	var dec Decoder
	assert.Empty(t, dec.Feed([]byte(`data: {"done":true}`)))
	assert.Equal(t, len(`data: {"done":true}`), dec.Pending())

	events := dec.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, frame.Done(), events[0].Frame)
	assert.Empty(t, dec.Flush())
}

func TestAccumulator(t *testing.T) {
	t.Run("done clears text", func(t *testing.T) {
		acc := NewAccumulator()
		assert.True(t, acc.Apply(frame.Delta("Hi ")))
		assert.True(t, acc.Apply(frame.Delta("there")))
		assert.Equal(t, "Hi there", acc.Text())

		assert.True(t, acc.Apply(frame.Done()))
		assert.Equal(t, frame.StateCompleted, acc.State())
		assert.Empty(t, acc.Text())
	})

	t.Run("error keeps partial text", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Apply(frame.Delta("Hal"))
		assert.True(t, acc.Apply(frame.Failure("failed to generate response")))
		assert.Equal(t, frame.StateFailed, acc.State())
		assert.Equal(t, "Hal", acc.Text())
		assert.Equal(t, "failed to generate response", acc.ErrorMessage())
	})

	t.Run("frames after terminal are ignored", func(t *testing.T) {
		acc := NewAccumulator()
		acc.Apply(frame.Delta("a"))
		require.NoError(t, acc.Finish(frame.StateAborted))

		assert.False(t, acc.Apply(frame.Delta("b")))
		assert.False(t, acc.Apply(frame.Done()))
		assert.Equal(t, "a", acc.Text())
		assert.Equal(t, frame.StateAborted, acc.State())
		assert.Error(t, acc.Finish(frame.StateFailed))
	})
}
