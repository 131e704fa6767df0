package store

import (
	"context"
	"testing"
	"time"
)

func testOutboxMessage(id string) OutboxMessage {
	return OutboxMessage{
		MessageID:   id,
		SwarmID:     "s1",
		RecipientID: "worker-2",
		MessageType: "message",
		Content:     `{"message_id":"` + id + `"}`,
		CreatedAt:   testTime,
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.EnqueueOutbox(ctx, testOutboxMessage("m1")); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	ok, err := s.MarkDelivered(ctx, "m1", 2, testTime.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("MarkDelivered: ok=%v err=%v", ok, err)
	}
	// Already finalized: no second transition.
	ok, err = s.MarkFailed(ctx, "m1", 3, "late failure")
	if err != nil {
		t.Fatalf("MarkFailed after delivered: %v", err)
	}
	if ok {
		t.Error("MarkFailed after delivered: ok = true, want false")
	}

	got, err := s.GetOutbox(ctx, "m1")
	if err != nil {
		t.Fatalf("GetOutbox: %v", err)
	}
	if got.Status != OutboxDelivered || got.Attempts != 2 {
		t.Errorf("outbox = %+v", got)
	}
	if got.DeliveredAt.IsZero() {
		t.Error("delivered_at not set")
	}
}

func TestOutboxFailed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.EnqueueOutbox(ctx, testOutboxMessage("m1")); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}
	ok, err := s.MarkFailed(ctx, "m1", 5, "connection refused")
	if err != nil || !ok {
		t.Fatalf("MarkFailed: ok=%v err=%v", ok, err)
	}
	got, err := s.GetOutbox(ctx, "m1")
	if err != nil {
		t.Fatalf("GetOutbox: %v", err)
	}
	if got.Status != OutboxFailed || got.LastError != "connection refused" || got.Attempts != 5 {
		t.Errorf("outbox = %+v", got)
	}
}

func TestOutboxCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.EnqueueOutbox(ctx, testOutboxMessage(id)); err != nil {
			t.Fatalf("EnqueueOutbox %s: %v", id, err)
		}
	}
	if _, err := s.MarkDelivered(ctx, "m1", 1, testTime); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if _, err := s.MarkFailed(ctx, "m2", 5, "timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	counts, err := s.CountOutbox(ctx, "s1")
	if err != nil {
		t.Fatalf("CountOutbox: %v", err)
	}
	want := OutboxCounts{Queued: 1, Delivered: 1, Failed: 1}
	if counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}

	list, err := s.ListOutbox(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListOutbox: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d, want 2", len(list))
	}
}
