package checkpoint

import (
	"fmt"
	"sync"
	"time"
)

// EventKind identifies a lifecycle event emitted by a Service.
type EventKind int

const (
	EventInitialize EventKind = iota + 1
	EventCheckpoint
	EventRestore
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInitialize:
		return "initialize"
	case EventCheckpoint:
		return "checkpoint"
	case EventRestore:
		return "restore"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes one completed (or failed) operation.
type Event struct {
	Kind      EventKind
	TaskID    string
	Workspace string

	// FromHash and ToHash bracket the operation: the previous and new HEAD
	// for checkpoints and restores, empty and baseHash for initialize.
	FromHash string
	ToHash   string
	Duration time.Duration

	// Created is set on EventInitialize when a new shadow repository was made.
	Created bool

	// Op names the failed operation and Err holds its error for EventError.
	Op  string
	Err error
}

type subscriber struct {
	id int
	fn func(Event)
}

// eventBus is a typed publish/subscribe registry keyed by event kind.
// Handlers run synchronously on the emitting goroutine.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventKind][]subscriber
}

func (b *eventBus) subscribe(kind EventKind, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[EventKind][]subscriber)
	}
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[kind]
			for i, s := range subs {
				if s.id == id {
					b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *eventBus) emit(ev Event) {
	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs[ev.Kind]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
