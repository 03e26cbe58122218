package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func inviteRecord(maxUses int64, expiresAt time.Time) *InviteRecord {
	return &InviteRecord{
		ID:        uuid.NewString(),
		Role:      "student",
		ClassID:   "class-7b",
		CreatedBy: "teacher-1",
		MaxUses:   maxUses,
		ExpiresAt: expiresAt.Unix(),
	}
}

func TestInviteCreateAndGet(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	d := secretHash("invite-1")
	rec := inviteRecord(25, time.Now().Add(7*24*time.Hour))
	if err := store.Create(ctx, d, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Role != "student" || got.ClassID != "class-7b" || got.CreatedBy != "teacher-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.MaxUses != 25 || got.Uses != 0 || got.Revoked {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestInviteRedeemHappyPath(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	d := secretHash("invite-1")
	if err := store.Create(ctx, d, inviteRecord(2, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	role, classID, uses, err := store.Redeem(ctx, d, time.Now())
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if role != "student" || classID != "class-7b" || uses != 1 {
		t.Fatalf("unexpected redeem result: role=%q class=%q uses=%d", role, classID, uses)
	}

	_, _, uses, err = store.Redeem(ctx, d, time.Now())
	if err != nil {
		t.Fatalf("second Redeem failed: %v", err)
	}
	if uses != 2 {
		t.Fatalf("expected uses=2, got %d", uses)
	}

	_, _, _, err = store.Redeem(ctx, d, time.Now())
	if !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("expected ErrInviteExhausted, got %v", err)
	}
}

func TestInviteRedeemUnknown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	_, _, _, err := store.Redeem(context.Background(), secretHash("ghost"), time.Now())
	if !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}
}

func TestInviteRedeemExpired(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	d := secretHash("invite-1")
	if err := store.Create(ctx, d, inviteRecord(5, time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, _, _, err := store.Redeem(ctx, d, time.Now())
	if !errors.Is(err, ErrInviteExpired) {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}

	// An expired invite never consumes a use.
	got, err := store.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Uses != 0 {
		t.Fatalf("expired redeem burned a use: %+v", got)
	}
}

func TestInviteRedeemRevoked(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	d := secretHash("invite-1")
	if err := store.Create(ctx, d, inviteRecord(5, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Revoke(ctx, d); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	_, _, _, err := store.Redeem(ctx, d, time.Now())
	if !errors.Is(err, ErrInviteRevoked) {
		t.Fatalf("expected ErrInviteRevoked, got %v", err)
	}
}

func TestInviteRevokeIsIdempotent(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	d := secretHash("invite-1")
	if err := store.Create(ctx, d, inviteRecord(5, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Revoke(ctx, d); err != nil {
		t.Fatalf("first Revoke failed: %v", err)
	}
	if err := store.Revoke(ctx, d); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}

	if err := store.Revoke(ctx, secretHash("ghost")); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}
}

func TestInviteConcurrentRedeemBoundedByMaxUses(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	const maxUses = 3
	const workers = 12

	d := secretHash("invite-1")
	if err := store.Create(ctx, d, inviteRecord(maxUses, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		results = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := store.Redeem(ctx, d, time.Now())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, exhausted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInviteExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if wins != maxUses {
		t.Fatalf("expected exactly %d winners, got %d", maxUses, wins)
	}
	if exhausted != workers-maxUses {
		t.Fatalf("expected %d exhausted, got %d", workers-maxUses, exhausted)
	}

	got, err := store.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Uses != maxUses {
		t.Fatalf("counter overshoot: uses=%d max=%d", got.Uses, maxUses)
	}
}

func TestInviteSingleUseRace(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewInviteStore(rdb, "ca", 30*time.Minute)

	d := secretHash("invite-1")
	if err := store.Create(ctx, d, inviteRecord(1, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins int64
		mu   sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, _, err := store.Redeem(ctx, d, time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("single-use invite redeemed %d times", wins)
	}
}
