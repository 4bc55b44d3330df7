package checkpoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_DeliversByKind(t *testing.T) {
	t.Parallel()

	var bus eventBus
	var got []EventKind
	bus.subscribe(EventCheckpoint, func(ev Event) { got = append(got, ev.Kind) })
	bus.subscribe(EventError, func(ev Event) { got = append(got, ev.Kind) })

	bus.emit(Event{Kind: EventCheckpoint})
	bus.emit(Event{Kind: EventRestore})
	bus.emit(Event{Kind: EventError, Err: errors.New("boom")})

	assert.Equal(t, []EventKind{EventCheckpoint, EventError}, got)
}

func TestEventBus_UnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	var bus eventBus
	var first, second int
	unsubFirst := bus.subscribe(EventRestore, func(Event) { first++ })
	bus.subscribe(EventRestore, func(Event) { second++ })

	bus.emit(Event{Kind: EventRestore})
	unsubFirst()
	unsubFirst()
	bus.emit(Event{Kind: EventRestore})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestEventBus_HandlerMayUnsubscribeDuringEmit(t *testing.T) {
	t.Parallel()

	var bus eventBus
	calls := 0
	var unsub func()
	unsub = bus.subscribe(EventInitialize, func(Event) {
		calls++
		unsub()
	})

	bus.emit(Event{Kind: EventInitialize})
	bus.emit(Event{Kind: EventInitialize})
	assert.Equal(t, 1, calls)
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind EventKind
		want string
	}{
		{EventInitialize, "initialize"},
		{EventCheckpoint, "checkpoint"},
		{EventRestore, "restore"},
		{EventError, "error"},
		{EventKind(42), "EventKind(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}
