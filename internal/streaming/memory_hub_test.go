package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, ProgressEvent{WorkflowID: "wf-1", StepID: 1, Status: "executing", Progress: 0.5}))
	require.NoError(t, h.Publish(ctx, ProgressEvent{WorkflowID: "wf-2", StepID: 1, Status: "executing"}))

	select {
	case e := <-ch:
		assert.Equal(t, "wf-1", e.WorkflowID)
		assert.Equal(t, 0.5, e.Progress)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event for wf-1")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event for %s", e.WorkflowID)
	default:
	}
}

func TestMemoryHub_StatusFilter(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{Statuses: []string{"failed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, ProgressEvent{WorkflowID: "wf-1", Status: "executing"}))
	require.NoError(t, h.Publish(ctx, ProgressEvent{WorkflowID: "wf-1", Status: "failed"}))

	select {
	case e := <-ch:
		assert.Equal(t, "failed", e.Status)
	case <-time.After(time.Second):
		t.Fatal("expected failed event")
	}
}

func TestMemoryHub_SlowSubscriberDropsEvents(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Publishing past the buffer must never block or error.
	for i := 0; i < defaultChannelBuffer*2; i++ {
		require.NoError(t, h.Publish(ctx, ProgressEvent{WorkflowID: "wf-1", Status: "executing"}))
	}
}

func TestMemoryHub_CancelledSubscription(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, ProgressEvent{WorkflowID: "wf-1", Status: "executing"}))
	select {
	case <-ch:
		t.Fatal("cancelled subscriber must not receive events")
	default:
	}
}
