package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Notification, 1)
	sub, err := b.Subscribe(SubjectSessionCreated, func(_ context.Context, n *Notification) error {
		received <- n
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	n := NewNotification(SubjectSessionCreated, "session-service", map[string]any{"session_id": "s1"})
	if err := b.Publish(context.Background(), SubjectSessionCreated, n); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Data["session_id"] != "s1" {
			t.Errorf("unexpected notification data: %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	done := make(chan struct{}, 2)
	_, err := b.Subscribe("session.>", func(_ context.Context, _ *Notification) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, SubjectSessionCreated, NewNotification(SubjectSessionCreated, "t", nil))
	_ = b.Publish(ctx, SubjectSessionEventCreated, NewNotification(SubjectSessionEventCreated, "t", nil))
	_ = b.Publish(ctx, "agent.created", NewNotification("agent.created", "t", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard deliveries")
		}
	}
	// Give a stray delivery a chance to land before asserting the count.
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe(SubjectSessionCreated, func(_ context.Context, _ *Notification) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), SubjectSessionCreated, NewNotification(SubjectSessionCreated, "t", nil))
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", got)
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), SubjectSessionCreated, NewNotification(SubjectSessionCreated, "t", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
