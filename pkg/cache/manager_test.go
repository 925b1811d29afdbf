package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis and skips when none is running.
// The integration suite covers the same paths against a container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil)
}

func TestManager_SetAndGet(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()

	key := Key{Host: "api.github.com", Path: "/users/octocat"}
	header := http.Header{}
	header.Set("ETag", `"abc123"`)
	entry := NewEntry(http.StatusOK, header, []byte(`{"email":"a@b.io"}`), 5*time.Minute)

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != string(entry.Data) {
		t.Errorf("Data = %s, want %s", got.Data, entry.Data)
	}
	if got.ETag != `"abc123"` {
		t.Errorf("ETag = %q", got.ETag)
	}
}

func TestManager_Miss(t *testing.T) {
	manager := NewManager(setupTestRedis(t))

	_, err := manager.Get(context.Background(), Key{Host: "api.github.com", Path: "/users/nobody"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetExpiredIsNoop(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()
	key := Key{Host: "api.github.com", Path: "/users/old"}

	if err := manager.Set(ctx, key, &Entry{Expires: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetNil(t *testing.T) {
	manager := NewManager(redis.NewClient(&redis.Options{Addr: "localhost:0"}))
	if err := manager.Set(context.Background(), Key{}, nil); err == nil {
		t.Error("Set(nil) should fail")
	}
}

func TestManager_Delete(t *testing.T) {
	manager := NewManager(setupTestRedis(t))
	ctx := context.Background()
	key := Key{Host: "api.github.com", Path: "/users/gone"}

	if err := manager.Set(ctx, key, NewEntry(200, http.Header{}, []byte("x"), time.Minute)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() after Delete error = %v, want ErrCacheMiss", err)
	}
}
