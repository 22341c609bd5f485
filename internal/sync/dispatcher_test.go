package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailvault/internal/checkpoint"
)

type published struct {
	subject string
	msgID   string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail bool
}

func (p *fakePublisher) Publish(_ context.Context, subject string, _ []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats: no responders available for request")
	}
	p.sent = append(p.sent, published{subject: subject, msgID: msgID})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestDispatcherPublishesArchiveEvents(t *testing.T) {
	h := newHarness(t)
	h.opts.Notify = true
	h.source.add(alice, "m1", day(1))
	h.source.add(alice, "m2", day(2))
	h.run(context.Background(), alice)

	pub := &fakePublisher{}
	d := NewDispatcher(h.store, pub)
	require.NoError(t, d.Drain(context.Background()))

	require.Len(t, pub.sent, 3)
	assert.Equal(t, "archive.alice@example_com.archived", pub.sent[0].subject)
	assert.Equal(t, "archived|alice@example.com|m1", pub.sent[0].msgID)
	assert.Equal(t, "archive.alice@example_com.completed", pub.sent[2].subject)
	assert.Equal(t, "completed|alice@example.com|run-1", pub.sent[2].msgID)

	pending, err := h.store.PendingOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDispatcherReschedulesFailedPublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Enqueue(ctx, checkpoint.OutboxEvent{Subject: "archive.x.completed", EventType: "archive.completed", Payload: []byte(`{}`), MsgID: "completed|x|run-1"}))

	pub := &fakePublisher{fail: true}
	d := NewDispatcher(h.store, pub)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the retry is not due yet
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := h.store.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDispatcherRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Enqueue(context.Background(), checkpoint.OutboxEvent{Subject: "archive.x.completed", EventType: "archive.completed", Payload: []byte(`{}`), MsgID: "completed|x|run-2"}))

	pub := &fakePublisher{}
	d := NewDispatcher(h.store, pub)
	d.IdleInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
