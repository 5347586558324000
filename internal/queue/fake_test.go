package queue

import (
	"context"
	"testing"
	"time"
)

func TestFakeSendReceiveFIFO(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.Create(ctx, "pool-abc")

	for _, body := range []string{"first", "second", "third"} {
		if err := f.Send(ctx, "pool-abc", []byte(body), 0); err != nil {
			t.Fatalf("send %q: %v", body, err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, ok, err := f.ReceiveAndDeleteOne(ctx, "pool-abc")
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if !ok {
			t.Fatalf("expected a message, queue empty")
		}
		if string(msg.Body) != want {
			t.Fatalf("got %q, want %q", msg.Body, want)
		}
	}

	if _, ok, _ := f.ReceiveAndDeleteOne(ctx, "pool-abc"); ok {
		t.Fatalf("expected empty queue after draining all sends")
	}
}

func TestFakePeekIsNonDestructive(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.Create(ctx, "q")
	_ = f.Send(ctx, "q", []byte("a"), 0)
	_ = f.Send(ctx, "q", []byte("b"), 0)

	first, err := f.Peek(ctx, "q", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(first))
	}

	second, err := f.Peek(ctx, "q", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("peek mutated the queue: second peek saw %d messages", len(second))
	}
}

func TestFakePeekCapsAtMaxPeek(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.Create(ctx, "q")
	for i := 0; i < MaxPeek+10; i++ {
		_ = f.Send(ctx, "q", []byte("x"), 0)
	}

	msgs, err := f.Peek(ctx, "q", 1000)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != MaxPeek {
		t.Fatalf("got %d messages, want capped at %d", len(msgs), MaxPeek)
	}
}

func TestFakeVisibilityDelay(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.SetNow(func() time.Time { return now })
	_ = f.Create(ctx, "q")

	if err := f.Send(ctx, "q", []byte("delayed"), 30*time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, ok, _ := f.ReceiveAndDeleteOne(ctx, "q"); ok {
		t.Fatalf("message should not be visible before its delay elapses")
	}

	now = now.Add(31 * time.Second)
	msg, ok, err := f.ReceiveAndDeleteOne(ctx, "q")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !ok || string(msg.Body) != "delayed" {
		t.Fatalf("expected the delayed message to become visible, got ok=%v msg=%v", ok, msg)
	}
}

func TestFakeSendObjectRoundTrips(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.Create(ctx, "q")

	type payload struct {
		TaskID string `json:"task_id"`
	}
	if err := f.SendObject(ctx, "q", payload{TaskID: "t-1"}, 0); err != nil {
		t.Fatalf("send_object: %v", err)
	}

	msg, ok, err := f.ReceiveAndDeleteOne(ctx, "q")
	if err != nil || !ok {
		t.Fatalf("receive: ok=%v err=%v", ok, err)
	}

	var got payload
	if err := msg.DecodeObject(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TaskID != "t-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestFakeClearRemovesMessagesKeepsQueue(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.Create(ctx, "q")
	_ = f.Send(ctx, "q", []byte("a"), 0)

	if err := f.Clear(ctx, "q"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	msgs, err := f.Peek(ctx, "q", 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty queue after clear, got %d messages", len(msgs))
	}
}
