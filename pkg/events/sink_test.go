package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		Backend:        "remote",
		Model:          "test-model",
	}
}

func TestChannelSinkDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	meta := testMetadata()

	require.NoError(t, sink.PublishEvent(NewStartEvent(meta)))
	require.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(meta, "Hello", "Hello")))
	require.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(meta, " world!", "Hello world!")))
	require.NoError(t, sink.PublishEvent(NewFinalEvent(meta, "Hello world!")))
	sink.Close()

	var types []EventType
	completion := ""
	for event := range sink.Events() {
		types = append(types, event.Type())
		if partial, ok := event.(*EventPartialCompletion); ok {
			completion = partial.Completion
		}
	}

	assert.Equal(t, []EventType{EventTypeStart, EventTypePartialCompletion, EventTypePartialCompletion, EventTypeFinal}, types)
	assert.Equal(t, "Hello world!", completion)
}

func TestPublishEventToContext(t *testing.T) {
	sink := NewChannelSink(4)
	ctx := WithEventSinks(context.Background(), sink)

	meta := testMetadata()
	require.NoError(t, PublishEventToContext(ctx, NewStatusEvent(meta, "working")))
	sink.Close()

	event := <-sink.Events()
	status, ok := event.(*EventStatus)
	require.True(t, ok)
	assert.Equal(t, "working", status.Text)
	assert.Equal(t, "conv-1", status.Metadata().ConversationID)
}

func TestPublishEventToContextWithoutSinks(t *testing.T) {
	// No sinks attached is a no-op, not an error.
	assert.NoError(t, PublishEventToContext(context.Background(), NewStartEvent(testMetadata())))
}

func TestWatermillSinkPublishesJSON(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, "chat-events")
	require.NoError(t, err)

	sink := NewWatermillSink(pubSub, "chat-events")
	meta := testMetadata()
	require.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(meta, "hi", "hi")))

	select {
	case msg := <-messages:
		var decoded struct {
			Type  EventType `json:"type"`
			Delta string    `json:"delta"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
		assert.Equal(t, EventTypePartialCompletion, decoded.Type)
		assert.Equal(t, "hi", decoded.Delta)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestChannelSinkBoundedPublish(t *testing.T) {
	sink := NewChannelSink(1)
	sink.timeout = 10 * time.Millisecond
	meta := testMetadata()

	require.NoError(t, sink.PublishEvent(NewStartEvent(meta)))

	// The buffer is full and nobody is draining; the publish must give up
	// instead of blocking the producer forever.
	start := time.Now()
	err := sink.PublishEvent(NewPartialCompletionEvent(meta, "x", "x"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	// The buffered event is still delivered.
	sink.Close()
	var collected []Event
	for event := range sink.Events() {
		collected = append(collected, event)
	}
	require.Len(t, collected, 1)
	assert.Equal(t, EventTypeStart, collected[0].Type())
}
