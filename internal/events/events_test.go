package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []Event
	done chan struct{}
}

func newRecordingHandler(expect int) *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, expect)}
}

func (h *recordingHandler) Handle(ctx context.Context, ev Event) {
	h.mu.Lock()
	h.seen = append(h.seen, ev)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func TestBus_PublishDispatchesToHandler(t *testing.T) {
	handler := newRecordingHandler(1)
	bus := NewBus(8, 1, handler)
	bus.Start()
	defer bus.Stop()

	bus.Publish(Event{Type: MasterPositionOpened, OwnerID: 1})

	select {
	case <-handler.done:
	case <-time.After(time.Second):
		t.Fatal("handler never received the published event")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Len(t, handler.seen, 1)
	assert.Equal(t, MasterPositionOpened, handler.seen[0].Type)
}

func TestBus_PublishStampsTimestampWhenZero(t *testing.T) {
	handler := newRecordingHandler(1)
	bus := NewBus(8, 1, handler)
	bus.Start()
	defer bus.Stop()

	bus.Publish(Event{Type: FollowerConnected})
	<-handler.done

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.False(t, handler.seen[0].Timestamp.IsZero())
}

func TestBus_PublishDropsWhenQueueFull(t *testing.T) {
	blocker := make(chan struct{})
	handler := &blockingHandler{release: blocker}
	bus := NewBus(1, 1, handler)
	bus.Start()
	defer func() {
		close(blocker)
		bus.Stop()
	}()

	// First publish occupies the single worker; the next two fill (and
	// then overflow) the size-1 queue, so Publish must not block.
	bus.Publish(Event{Type: MasterConnected})
	bus.Publish(Event{Type: MasterConnected})
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: MasterConnected})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked instead of dropping on a full queue")
	}
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, ev Event) {
	<-h.release
}

func TestBus_SetHandlerRebindsBeforeStart(t *testing.T) {
	bus := NewBus(4, 1, nil)
	handler := newRecordingHandler(1)
	bus.SetHandler(handler)
	bus.Start()
	defer bus.Stop()

	bus.Publish(Event{Type: MasterDisconnected})
	select {
	case <-handler.done:
	case <-time.After(time.Second):
		t.Fatal("handler set via SetHandler never received the event")
	}
}
