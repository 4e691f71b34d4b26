package events

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToEverySubscriber(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })
	bus.Subscribe(func(e Event) { got = append(got, e) })

	bus.Emit(Event{Type: WorkerIdle, Worker: 3})
	require.Len(t, got, 2)
	assert.Equal(t, WorkerIdle, got[0].Type)
	assert.False(t, got[0].Time.IsZero(), "Emit stamps the time when unset")
	assert.NotEmpty(t, got[0].ID, "Emit stamps an event ID when unset")
}

func TestEmitAssignsSortableIDs(t *testing.T) {
	bus := NewBus()
	var ids []string
	bus.Subscribe(func(e Event) { ids = append(ids, e.ID) })

	for i := 0; i < 5; i++ {
		bus.Emit(Event{Type: HistoryIngested})
	}
	require.Len(t, ids, 5)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "event IDs must sort in emission order")
	}
}

func TestEmitRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Subscribe(func(e Event) { panic("boom") })
	bus.Subscribe(func(e Event) { called = true })

	assert.NotPanics(t, func() { bus.Emit(Event{Type: RunStarted}) })
	assert.True(t, called, "a panicking handler must not stop later handlers from running")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	unsubscribe := bus.Subscribe(func(e Event) { count++ })

	bus.Emit(Event{Type: RunStarted})
	unsubscribe()
	bus.Emit(Event{Type: RunCompleted})

	assert.Equal(t, 1, count)
}

func TestLogHandlerWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	h := LogHandler(LogConfig{Writer: &buf})
	h(Event{Type: WorkerDispatched, Worker: 2})
	h(Event{Type: WorkerKilled, Worker: 1}.WithError(assertErr{}))

	out := buf.String()
	assert.Contains(t, out, "[worker.dispatched] worker=2")
	assert.Contains(t, out, "[worker.killed] worker=1 error=")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
