package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/state"
)

func TestSample(t *testing.T) {
	bus := events.NewBus(10, zap.NewNop())
	defer bus.Close()
	store := state.New(bus, zap.NewNop())

	m := NewMonitor(store, "", zap.NewNop())
	snap := m.Sample(context.Background())
	assert.Positive(t, snap.Goroutines)
	assert.GreaterOrEqual(t, snap.MemoryPercent, 0.0)
	assert.LessOrEqual(t, snap.MemoryPercent, 100.0)
}

func TestPublishUpdatesStateAndEmitsEvent(t *testing.T) {
	bus := events.NewBus(10, zap.NewNop())
	defer bus.Close()
	store := state.New(bus, zap.NewNop())

	sub := bus.Subscribe(state.TopicServiceHealth)
	defer sub.Close()

	m := NewMonitor(store, "", zap.NewNop())
	m.Publish(context.Background())

	v, ok := store.Get("service:health")
	require.True(t, ok)
	_, isSnap := v.(Snapshot)
	assert.True(t, isSnap)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.CategoryState, ev.Category)
	case <-time.After(time.Second):
		t.Fatal("no health-changed event")
	}
}
