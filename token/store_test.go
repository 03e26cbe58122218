package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func digestOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func testRecord(familyID, userID string, expiresAt time.Time) *Record {
	now := time.Now()
	return &Record{
		FamilyID:  familyID,
		UserID:    userID,
		Email:     "alice@example.com",
		Role:      "member",
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
		IP:        "10.0.0.1",
		UserAgent: "test-agent",
	}
}

func TestCreateAndGet(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	d := digestOf("secret-1")
	rec := testRecord("fam-1", "u1", time.Now().Add(time.Hour))
	if err := store.Create(ctx, d, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FamilyID != "fam-1" || got.UserID != "u1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Email != "alice@example.com" || got.Role != "member" {
		t.Fatalf("unexpected identity fields: %+v", got)
	}
	if got.Revoked {
		t.Fatal("fresh record must not be revoked")
	}
	if got.IP != "10.0.0.1" || got.UserAgent != "test-agent" {
		t.Fatalf("unexpected client fields: %+v", got)
	}
}

func TestGetUnknownDigest(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewStore(rdb, "ca", 30*time.Minute)

	_, err := store.Get(context.Background(), digestOf("nope"))
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestRotateSuccess(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	old := digestOf("secret-old")
	next := digestOf("secret-new")
	exp := time.Now().Add(time.Hour)
	if err := store.Create(ctx, old, testRecord("fam-1", "u1", exp)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := store.Rotate(ctx, old, next, time.Now())
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rec.FamilyID != "fam-1" || rec.UserID != "u1" {
		t.Fatalf("unexpected rotated record: %+v", rec)
	}
	if rec.Email != "alice@example.com" || rec.Role != "member" {
		t.Fatalf("identity fields not carried over: %+v", rec)
	}
	if rec.ExpiresAt != exp.Unix() {
		t.Fatalf("rotation must not extend expiry: got %d want %d", rec.ExpiresAt, exp.Unix())
	}

	oldRec, err := store.Get(ctx, old)
	if err != nil {
		t.Fatalf("Get old failed: %v", err)
	}
	if !oldRec.Revoked {
		t.Fatal("rotated-out record must be marked revoked")
	}

	newRec, err := store.Get(ctx, next)
	if err != nil {
		t.Fatalf("Get successor failed: %v", err)
	}
	if newRec.Revoked {
		t.Fatal("successor must be active")
	}
	if newRec.FamilyID != "fam-1" {
		t.Fatalf("successor left the family: %+v", newRec)
	}
}

func TestRotateReusedToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	old := digestOf("secret-old")
	if err := store.Create(ctx, old, testRecord("fam-1", "u1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Rotate(ctx, old, digestOf("secret-b"), time.Now()); err != nil {
		t.Fatalf("first Rotate failed: %v", err)
	}

	rec, err := store.Rotate(ctx, old, digestOf("secret-c"), time.Now())
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}
	if rec == nil || rec.FamilyID != "fam-1" {
		t.Fatalf("reuse must surface the family for escalation: %+v", rec)
	}

	// The would-be successor of the losing attempt must not exist.
	if _, err := store.Get(ctx, digestOf("secret-c")); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("reuse must not mint a successor, got %v", err)
	}
}

func TestRotateExpiredToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	old := digestOf("secret-old")
	if err := store.Create(ctx, old, testRecord("fam-1", "u1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec, err := store.Rotate(ctx, old, digestOf("secret-new"), time.Now())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if rec == nil || rec.FamilyID != "fam-1" {
		t.Fatalf("expiry must still identify the family: %+v", rec)
	}

	// Expiry is benign: the record stays unrevoked.
	got, err := store.Get(ctx, old)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Revoked {
		t.Fatal("expired token must not be marked revoked")
	}
}

func TestRotateExpiryBoundary(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	now := time.Now()
	old := digestOf("secret-old")
	rec := testRecord("fam-1", "u1", now)
	rec.ExpiresAt = now.Unix()
	if err := store.Create(ctx, old, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// expiresAt == now counts as expired.
	_, err := store.Rotate(ctx, old, digestOf("secret-new"), now)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at boundary, got %v", err)
	}
}

func TestRotateUnknownToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewStore(rdb, "ca", 30*time.Minute)

	_, err := store.Rotate(context.Background(), digestOf("missing"), digestOf("next"), time.Now())
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestRevokeFamilyMarksEveryGeneration(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	d0 := digestOf("gen-0")
	d1 := digestOf("gen-1")
	d2 := digestOf("gen-2")
	if err := store.Create(ctx, d0, testRecord("fam-1", "u1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Rotate(ctx, d0, d1, time.Now()); err != nil {
		t.Fatalf("rotate 0->1 failed: %v", err)
	}
	if _, err := store.Rotate(ctx, d1, d2, time.Now()); err != nil {
		t.Fatalf("rotate 1->2 failed: %v", err)
	}

	n, err := store.RevokeFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("RevokeFamily failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked records, got %d", n)
	}

	for _, d := range [][32]byte{d0, d1, d2} {
		rec, err := store.Get(ctx, d)
		if err != nil {
			t.Fatalf("Get %s failed: %v", hex.EncodeToString(d[:8]), err)
		}
		if !rec.Revoked {
			t.Fatalf("record %s not revoked", hex.EncodeToString(d[:8]))
		}
	}

	// The newest generation was active before revocation; a rotation
	// attempt from it must now take the reuse path.
	_, err = store.Rotate(ctx, d2, digestOf("gen-3"), time.Now())
	if !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused after family revocation, got %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	dA := digestOf("login-a")
	dB := digestOf("login-b")
	if err := store.Create(ctx, dA, testRecord("fam-a", "u1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create fam-a failed: %v", err)
	}
	if err := store.Create(ctx, dB, testRecord("fam-b", "u1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create fam-b failed: %v", err)
	}

	n, err := store.RevokeAllForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("RevokeAllForUser failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked records, got %d", n)
	}

	for _, d := range [][32]byte{dA, dB} {
		rec, err := store.Get(ctx, d)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !rec.Revoked {
			t.Fatal("expected record revoked after RevokeAllForUser")
		}
	}
}

func TestRevokeAllForUserUnknownUser(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewStore(rdb, "ca", 30*time.Minute)

	n, err := store.RevokeAllForUser(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("RevokeAllForUser failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 revocations, got %d", n)
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	old := digestOf("contested")
	if err := store.Create(ctx, old, testRecord("fam-1", "u1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const workers = 16
	var (
		wg      sync.WaitGroup
		results = make(chan error, workers)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := digestOf(fmt.Sprintf("successor-%d", i))
			_, err := store.Rotate(ctx, old, next, time.Now())
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins, reuses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenReused):
			reuses++
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	if reuses != workers-1 {
		t.Fatalf("expected %d reuse losers, got %d", workers-1, reuses)
	}
}

func TestFamilyDigestsTracksLineage(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	ctx := context.Background()
	store := NewStore(rdb, "ca", 30*time.Minute)

	d0 := digestOf("gen-0")
	d1 := digestOf("gen-1")
	if err := store.Create(ctx, d0, testRecord("fam-1", "u1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Rotate(ctx, d0, d1, time.Now()); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	members, err := store.FamilyDigests(ctx, "fam-1")
	if err != nil {
		t.Fatalf("FamilyDigests failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 lineage digests, got %d", len(members))
	}
	want := map[string]bool{
		hex.EncodeToString(d0[:]): true,
		hex.EncodeToString(d1[:]): true,
	}
	for _, m := range members {
		if !want[m] {
			t.Fatalf("unexpected lineage member %s", m)
		}
	}
}

func TestPing(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := NewStore(rdb, "ca", 30*time.Minute)

	if _, err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	mr.Close()
	if _, err := store.Ping(context.Background()); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
