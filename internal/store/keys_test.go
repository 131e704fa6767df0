package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetKey(ctx, "peer-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}

	k := CachedKey{
		AgentID:   "peer-1",
		PublicKey: "pk-old",
		Endpoint:  "https://p1.example.com",
		FetchedAt: testTime,
	}
	if err := s.SaveKey(ctx, k); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	k.PublicKey = "pk-new"
	k.FetchedAt = testTime.Add(time.Hour)
	if err := s.SaveKey(ctx, k); err != nil {
		t.Fatalf("SaveKey refresh: %v", err)
	}

	got, err := s.GetKey(ctx, "peer-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if got.PublicKey != "pk-new" || !got.FetchedAt.Equal(testTime.Add(time.Hour)) {
		t.Errorf("key = %+v", got)
	}

	if err := s.DeleteKey(ctx, "peer-1"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := s.GetKey(ctx, "peer-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("key survived delete: %v", err)
	}
}

func TestPruneKeys(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := CachedKey{AgentID: "stale", PublicKey: "pk", FetchedAt: testTime}
	fresh := CachedKey{AgentID: "fresh", PublicKey: "pk", FetchedAt: testTime.Add(48 * time.Hour)}
	for _, k := range []CachedKey{stale, fresh} {
		if err := s.SaveKey(ctx, k); err != nil {
			t.Fatalf("SaveKey: %v", err)
		}
	}

	n, err := s.PruneKeys(ctx, testTime.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("PruneKeys: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.GetKey(ctx, "fresh"); err != nil {
		t.Errorf("fresh key pruned: %v", err)
	}
}
