package events

import (
	"time"

	"github.com/pkg/errors"
)

// EventSink represents a destination for chat stream events.
// Implementations can publish events to channels, message buses, logs, or
// other event processing systems.
type EventSink interface {
	// PublishEvent publishes an event to the sink.
	// Returns an error if the event could not be published.
	PublishEvent(event Event) error
}

// NullSink is a no-op EventSink implementation that discards all events.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(event Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)

// publishTimeout bounds how long a publish may wait on a full channel. A
// consumer that stopped draining must not pin the producing turn forever.
const publishTimeout = 30 * time.Second

// ChannelSink delivers events onto a Go channel. This is the
// producer-consumer bridge between the orchestrator and its caller: the
// orchestrator (and the backend engines below it) publish, the caller ranges
// over Events() until the channel closes. A caller that stops draining loses
// events once the buffer fills and the publish timeout elapses.
type ChannelSink struct {
	ch      chan Event
	timeout time.Duration
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer), timeout: publishTimeout}
}

func (c *ChannelSink) PublishEvent(event Event) error {
	select {
	case c.ch <- event:
		return nil
	default:
	}

	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case c.ch <- event:
		return nil
	case <-t.C:
		return errors.Errorf("event channel full, dropping %s event", event.Type())
	}
}

func (c *ChannelSink) Events() <-chan Event {
	return c.ch
}

// Close closes the underlying channel. Only the producing side may call it,
// after the terminal event has been published.
func (c *ChannelSink) Close() {
	close(c.ch)
}

var _ EventSink = (*ChannelSink)(nil)
