package loadbalancer

import (
	"context"
	"testing"
)

func TestInMemory_IncrementDecrement(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()

	b.Increment(ctx, "user/1001")
	b.Increment(ctx, "user/1001")
	count, _ := b.GetCount(ctx, "user/1001")
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	b.Decrement(ctx, "user/1001")
	count, _ = b.GetCount(ctx, "user/1001")
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestInMemory_DecrementFloorsAtZero(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()

	if err := b.Decrement(ctx, "user/1001"); err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	count, _ := b.GetCount(ctx, "user/1001")
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestInMemory_GetLeastLoaded(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()

	b.Increment(ctx, "user/1001")
	b.Increment(ctx, "user/1001")
	b.Increment(ctx, "user/1002")

	least, err := b.GetLeastLoaded(ctx, []string{"user/1001", "user/1002", "user/1003"})
	if err != nil {
		t.Fatalf("GetLeastLoaded: %v", err)
	}
	if least != "user/1003" {
		t.Fatalf("least = %q, want user/1003", least)
	}
}

func TestInMemory_GetLeastLoaded_TieBreaksFirst(t *testing.T) {
	b := NewInMemory()
	least, err := b.GetLeastLoaded(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetLeastLoaded: %v", err)
	}
	if least != "a" {
		t.Fatalf("least = %q, want a", least)
	}
}

func TestInMemory_GetLeastLoaded_Empty(t *testing.T) {
	b := NewInMemory()
	least, err := b.GetLeastLoaded(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetLeastLoaded: %v", err)
	}
	if least != "" {
		t.Fatalf("least = %q, want empty", least)
	}
}
