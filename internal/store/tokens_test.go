package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConsumeTokenMetering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateSwarm(ctx, testSwarm("s1")); err != nil {
		t.Fatalf("CreateSwarm: %v", err)
	}
	if err := s.SaveToken(ctx, IssuedToken{
		TokenHash: "h1", SwarmID: "s1", MaxUses: 2, CreatedAt: testTime,
		ExpiresAt: testTime.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.ConsumeToken(ctx, "h1"); err != nil {
			t.Fatalf("ConsumeToken use %d: %v", i+1, err)
		}
	}
	if err := s.ConsumeToken(ctx, "h1"); !errors.Is(err, ErrTokenExhausted) {
		t.Errorf("err = %v, want ErrTokenExhausted", err)
	}

	got, err := s.GetToken(ctx, "h1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Uses != 2 {
		t.Errorf("uses = %d, want 2", got.Uses)
	}
	if !got.ExpiresAt.Equal(testTime.Add(time.Hour)) {
		t.Errorf("expires_at = %v", got.ExpiresAt)
	}
}

func TestConsumeTokenUnlimited(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateSwarm(ctx, testSwarm("s1")); err != nil {
		t.Fatalf("CreateSwarm: %v", err)
	}
	if err := s.SaveToken(ctx, IssuedToken{TokenHash: "h1", SwarmID: "s1", CreatedAt: testTime}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := s.ConsumeToken(ctx, "h1"); err != nil {
			t.Fatalf("ConsumeToken use %d: %v", i+1, err)
		}
	}
}

func TestConsumeTokenRevoked(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateSwarm(ctx, testSwarm("s1")); err != nil {
		t.Fatalf("CreateSwarm: %v", err)
	}
	if err := s.SaveToken(ctx, IssuedToken{TokenHash: "h1", SwarmID: "s1", CreatedAt: testTime}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if err := s.RevokeToken(ctx, "h1"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := s.ConsumeToken(ctx, "h1"); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("err = %v, want ErrTokenRevoked", err)
	}
	if err := s.ConsumeToken(ctx, "unknown"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("err = %v, want ErrTokenNotFound", err)
	}
	if err := s.RevokeToken(ctx, "unknown"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("revoke unknown: err = %v, want ErrTokenNotFound", err)
	}
}
