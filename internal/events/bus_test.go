package events

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aipjn/character-creation-platform-sub000/internal/domain"
)

func TestBusDeliversByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var started, all []domain.EventType

	bus.On(func(_ context.Context, ev Event) { started = append(started, ev.Type) }, domain.EventJobStarted)
	bus.OnAll(func(_ context.Context, ev Event) { all = append(all, ev.Type) })

	ctx := context.Background()
	bus.Emit(ctx, Event{Type: domain.EventJobCreated, JobID: "a"})
	bus.Emit(ctx, Event{Type: domain.EventJobStarted, JobID: "a"})

	assert.Equal(t, []domain.EventType{domain.EventJobStarted}, started)
	assert.Equal(t, []domain.EventType{domain.EventJobCreated, domain.EventJobStarted}, all)
}

func TestBusRemoveStopsDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	calls := 0
	remove := bus.On(func(context.Context, Event) { calls++ }, domain.EventJobFailed, domain.EventJobCompleted)

	bus.Emit(context.Background(), Event{Type: domain.EventJobFailed})
	remove()
	bus.Emit(context.Background(), Event{Type: domain.EventJobCompleted})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.ListenerCount(domain.EventJobFailed))
}

func TestBusIsolatesPanickingListener(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	delivered := false
	bus.On(func(context.Context, Event) { panic("boom") }, domain.EventJobQueued)
	bus.On(func(context.Context, Event) { delivered = true }, domain.EventJobQueued)

	bus.Emit(context.Background(), Event{Type: domain.EventJobQueued})

	assert.True(t, delivered)
}

func TestBusRejectsUnknownType(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	assert.Panics(t, func() {
		bus.On(func(context.Context, Event) {}, domain.EventType("job_exploded"))
	})
}
