package shrinkqueue

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/queue"
)

func TestSetSizeGrantsExactlyNTokens(t *testing.T) {
	ctx := context.Background()
	q := New(queue.NewFake(), Scope{Kind: "scaleset", ID: "ss-1"})
	if err := q.Create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.SetSize(ctx, 3); err != nil {
		t.Fatalf("set_size: %v", err)
	}

	granted := 0
	for {
		ok, err := q.ShouldShrink(ctx)
		if err != nil {
			t.Fatalf("should_shrink: %v", err)
		}
		if !ok {
			break
		}
		granted++
	}
	if granted != 3 {
		t.Fatalf("got %d tokens, want 3", granted)
	}
}

func TestSetSizeResetsPriorTokens(t *testing.T) {
	ctx := context.Background()
	q := New(queue.NewFake(), Scope{Kind: "pool", ID: "p-1"})
	_ = q.Create(ctx)
	_ = q.SetSize(ctx, 5)

	// A later, smaller tick's decision replaces the earlier one entirely.
	if err := q.SetSize(ctx, 1); err != nil {
		t.Fatalf("set_size: %v", err)
	}

	ok, err := q.ShouldShrink(ctx)
	if err != nil || !ok {
		t.Fatalf("expected one token, ok=%v err=%v", ok, err)
	}
	ok, err = q.ShouldShrink(ctx)
	if err != nil {
		t.Fatalf("should_shrink: %v", err)
	}
	if ok {
		t.Fatalf("expected bucket drained after the single token, got another")
	}
}

func TestAddEntryGrantsOneMoreToken(t *testing.T) {
	ctx := context.Background()
	q := New(queue.NewFake(), Scope{Kind: "scaleset", ID: "ss-2"})
	_ = q.Create(ctx)
	_ = q.SetSize(ctx, 0)

	if err := q.AddEntry(ctx); err != nil {
		t.Fatalf("add_entry: %v", err)
	}

	ok, err := q.ShouldShrink(ctx)
	if err != nil || !ok {
		t.Fatalf("expected the added token, ok=%v err=%v", ok, err)
	}
}

func TestDepthReflectsRemainingTokens(t *testing.T) {
	ctx := context.Background()
	q := New(queue.NewFake(), Scope{Kind: "pool", ID: "p-2"})
	_ = q.Create(ctx)
	_ = q.SetSize(ctx, 4)

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 4 {
		t.Fatalf("got depth %d, want 4", depth)
	}

	if _, err := q.ShouldShrink(ctx); err != nil {
		t.Fatalf("should_shrink: %v", err)
	}

	depth, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("got depth %d after one consume, want 3", depth)
	}
}
