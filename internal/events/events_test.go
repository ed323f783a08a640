package events

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRecentOrderAndFilter(t *testing.T) {
	mem := NewMemory(3)
	ctx := context.Background()
	for i, wallet := range []string{"a", "b", "a", "a"} {
		ev := New(TypeMatchStarted, wallet, "", map[string]any{"i": i})
		if err := mem.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	all := mem.Recent("", 0)
	if len(all) != 3 {
		t.Fatalf("expected buffer of 3, got %d", len(all))
	}
	if all[0].Data["i"] != 3 || all[2].Data["i"] != 1 {
		t.Fatalf("unexpected order: %+v", all)
	}

	onlyA := mem.Recent("a", 10)
	if len(onlyA) != 2 {
		t.Fatalf("expected 2 events for a, got %d", len(onlyA))
	}
	if onlyA[0].ID == onlyA[1].ID || onlyA[0].ID == "" {
		t.Fatal("expected unique event ids")
	}
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(1)
	_ = mem.Close()
	if err := mem.Publish(context.Background(), New(TypeNoAgents, "a", "", nil)); err == nil {
		t.Fatal("expected error after close")
	}
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, Event) error {
	return errors.New("down")
}

func (f *failingPublisher) Close() error {
	f.closed = true
	return nil
}

func TestFanoutDeliversToAll(t *testing.T) {
	mem := NewMemory(4)
	bad := &failingPublisher{}
	fan := NewFanout(mem, nil, bad)

	err := fan.Publish(context.Background(), New(TypeAlreadyQueued, "w", "", nil))
	if err == nil {
		t.Fatal("expected joined error from failing publisher")
	}
	if len(mem.Recent("", 0)) != 1 {
		t.Fatal("memory publisher should still receive the event")
	}
	if err := fan.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bad.closed {
		t.Fatal("expected all publishers closed")
	}
}

func TestRemotePublishersValidateConfig(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatal("expected redis address error")
	}
	if _, err := NewRabbitMQ(RabbitMQConfig{}); err == nil {
		t.Fatal("expected rabbitmq url error")
	}
}
