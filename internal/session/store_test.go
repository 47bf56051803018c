package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

const (
	testUser  int64 = 990001
	testOther int64 = 990002
)

// newTestStore requires a running Redis on localhost:6379 and skips otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{SessionPrefix + "test_*", UserPrefix + "99000*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStoreWithClient(client, "ws-test")
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "test_a", testUser, "alice"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess, err := s.Get(ctx, "test_a")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session record")
	}
	if sess.UserID != testUser || sess.Username != "alice" || sess.Server != "ws-test" {
		t.Errorf("unexpected record: %+v", sess)
	}

	byUser, err := s.ForUser(ctx, testUser)
	if err != nil {
		t.Fatalf("ForUser() error: %v", err)
	}
	if byUser == nil || byUser.ID != "test_a" {
		t.Errorf("expected ForUser to return test_a, got %+v", byUser)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Get(ctx, "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil, got %+v", sess)
	}
	if sess, _ = s.ForUser(ctx, testOther); sess != nil {
		t.Errorf("expected nil for user without session, got %+v", sess)
	}
}

func TestDelete_SupersededKeepsSuccessorPointer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "test_old", testUser, "alice"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Create(ctx, "test_new", testUser, "alice"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := s.Delete(ctx, "test_old", testUser); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if sess, _ := s.Get(ctx, "test_old"); sess != nil {
		t.Error("expected old record to be gone")
	}
	byUser, err := s.ForUser(ctx, testUser)
	if err != nil {
		t.Fatalf("ForUser() error: %v", err)
	}
	if byUser == nil || byUser.ID != "test_new" {
		t.Errorf("expected successor test_new to remain, got %+v", byUser)
	}

	if err := s.Delete(ctx, "test_new", testUser); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if byUser, _ = s.ForUser(ctx, testUser); byUser != nil {
		t.Errorf("expected no session after final delete, got %+v", byUser)
	}
}

func TestRefreshTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "test_ttl", testUser, "alice"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.RefreshTTL(ctx, "test_ttl", testUser); err != nil {
		t.Fatalf("RefreshTTL() error: %v", err)
	}

	ttl, err := s.Client().TTL(ctx, SessionPrefix+"test_ttl").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > SessionTTL {
		t.Errorf("unexpected TTL %s", ttl)
	}
}
