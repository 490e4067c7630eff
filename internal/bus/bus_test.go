package bus

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishSync(t *testing.T) {
	b := NewEventBus()

	var got Event
	var mu sync.Mutex
	b.Subscribe(EventTypeEmotionStable, func(e Event) {
		mu.Lock()
		got = e
		mu.Unlock()
	})

	b.PublishSync(Event{
		Type: EventTypeEmotionStable,
		Data: map[string]any{"label": "Joy"},
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTypeEmotionStable, got.Type)
	assert.Equal(t, "Joy", got.Data["label"])
}

func TestEventBus_SubscribeMultiple(t *testing.T) {
	b := NewEventBus()

	var count atomic.Int32
	b.SubscribeMultiple([]EventType{EventTypeMirrorStarted, EventTypeMirrorStopped}, func(Event) {
		count.Add(1)
	})

	b.PublishSync(Event{Type: EventTypeMirrorStarted})
	b.PublishSync(Event{Type: EventTypeMirrorStopped})
	b.PublishSync(Event{Type: EventTypeVoiceError}) // not subscribed

	assert.Equal(t, int32(2), count.Load())
}

func TestEventBus_Clear(t *testing.T) {
	b := NewEventBus()

	var count atomic.Int32
	b.Subscribe(EventTypeTranscriptCommitted, func(Event) { count.Add(1) })
	b.Clear()
	b.PublishSync(Event{Type: EventTypeTranscriptCommitted})

	assert.Equal(t, int32(0), count.Load())
}
