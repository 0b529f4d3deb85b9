// Package events provides a typed, in-process listener registry keyed by
// domain.EventType.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

// Event is a single notification about a job or about the system.
type Event struct {
	Type           domain.EventType
	JobID          string
	UserID         string
	Job            domain.Job
	PreviousStatus domain.JobStatus
	Status         domain.JobStatus
	Progress       *domain.GenerationProgress
	Error          *domain.GenerationError
	Results        []domain.GenerationResult
	Timestamp      time.Time
	Metadata       map[string]any
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(ctx context.Context, ev Event)

type registration struct {
	id       uint64
	listener Listener
}

// Bus fans events out to listeners registered for their type.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	byType   map[domain.EventType][]registration
	wildcard []registration
	logger   zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		byType: make(map[domain.EventType][]registration),
		logger: logger,
	}
}

// On registers l for the given event types and returns a function removing it.
// Passing an unknown type panics; the set of events is closed.
func (b *Bus) On(l Listener, types ...domain.EventType) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	reg := registration{id: b.nextID, listener: l}
	for _, t := range types {
		if !t.Valid() {
			panic(fmt.Sprintf("events: unknown event type %q", t))
		}
		b.byType[t] = append(b.byType[t], reg)
	}
	id := reg.id
	return func() { b.remove(id) }
}

// OnAll registers l for every event type.
func (b *Bus) OnAll(l Listener) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	reg := registration{id: b.nextID, listener: l}
	b.wildcard = append(b.wildcard, reg)
	id := reg.id
	return func() { b.remove(id) }
}

// Emit delivers ev to every matching listener. A panicking listener is logged
// and does not stop delivery to the others.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	targets := make([]registration, 0, len(b.byType[ev.Type])+len(b.wildcard))
	targets = append(targets, b.byType[ev.Type]...)
	targets = append(targets, b.wildcard...)
	b.mu.RUnlock()

	for _, reg := range targets {
		b.dispatch(ctx, reg.listener, ev)
	}
}

// ListenerCount returns the number of listeners that would receive t.
func (b *Bus) ListenerCount(t domain.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byType[t]) + len(b.wildcard)
}

func (b *Bus) dispatch(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(ev.Type)).
				Str("job_id", ev.JobID).
				Interface("panic", r).
				Msg("events: listener panicked")
		}
	}()
	l(ctx, ev)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, regs := range b.byType {
		b.byType[t] = without(regs, id)
	}
	b.wildcard = without(b.wildcard, id)
}

func without(regs []registration, id uint64) []registration {
	out := regs[:0:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}
