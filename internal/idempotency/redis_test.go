package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestRedisBeginReservesOnce(t *testing.T) {
	s, _ := newRedisStore(t, time.Minute)
	prior, err := s.Begin(context.Background(), "key-1")
	if err != nil || prior != nil {
		t.Fatalf("first begin = %v, %v", prior, err)
	}
	if _, err := s.Begin(context.Background(), "key-1"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second begin error = %v", err)
	}
}

func TestRedisCommitThenReplay(t *testing.T) {
	s, _ := newRedisStore(t, time.Minute)
	if _, err := s.Begin(context.Background(), "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	want := Result{
		TransactionID: "tx-9",
		Kind:          "transfer",
		Balances:      map[string]int64{"acc-1": 100, "acc-2": 900},
		Rate:          "0.920000",
		RateSource:    "primary",
	}
	if err := s.Commit(context.Background(), "key-1", want); err != nil {
		t.Fatalf("commit: %v", err)
	}
	prior, err := s.Begin(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if prior == nil || prior.TransactionID != "tx-9" || prior.Rate != "0.920000" || prior.Balances["acc-2"] != 900 {
		t.Fatalf("prior = %+v", prior)
	}
}

func TestRedisReleaseAllowsRetry(t *testing.T) {
	s, _ := newRedisStore(t, time.Minute)
	if _, err := s.Begin(context.Background(), "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Release(context.Background(), "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	prior, err := s.Begin(context.Background(), "key-1")
	if err != nil || prior != nil {
		t.Fatalf("retry begin = %v, %v", prior, err)
	}
}

func TestRedisReservationExpires(t *testing.T) {
	s, mr := newRedisStore(t, time.Second)
	if _, err := s.Begin(context.Background(), "key-1"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	mr.FastForward(2 * time.Second)
	prior, err := s.Begin(context.Background(), "key-1")
	if err != nil || prior != nil {
		t.Fatalf("post-expiry begin = %v, %v", prior, err)
	}
}
