package cache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chatwoot/chatbridge/internal/cache"
)

func sampleSnapshot() cache.Snapshot {
	return cache.Snapshot{
		Conversations: []cache.Conversation{{ID: 1, Status: "open", Session: "sess-a"}, {ID: 2, Status: "resolved"}},
		Messages: map[string][]cache.Message{
			"1": {{ID: 10, Content: "Hello", Side: "visitor"}, {ID: 11, Content: "Hi there", Side: "agent"}},
		},
		Contacts: map[string]cache.Contact{"sess-a": {ID: 5, Name: "Visitor"}},
	}
}

func backends(t *testing.T) map[string]cache.Backend {
	t.Helper()
	dir := t.TempDir()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sqlite, err := cache.NewSQLite(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	bolt, err := cache.NewBolt(filepath.Join(dir, "cache.bolt"))
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}

	all := map[string]cache.Backend{
		cache.BackendFile:   cache.NewFile(filepath.Join(dir, "nested", "chatwoot-cache.json")),
		cache.BackendMemory: cache.NewMemory(),
		cache.BackendRedis:  cache.NewRedisWithClient(rdb, ""),
		cache.BackendSQLite: sqlite,
		cache.BackendBolt:   bolt,
	}
	t.Cleanup(func() {
		for _, b := range all {
			_ = b.Close()
		}
	})
	return all
}

func TestBackends_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if b.Name() != name {
				t.Errorf("Name() = %q, want %q", b.Name(), name)
			}

			snap, err := b.Load(ctx)
			if err != nil || snap != nil {
				t.Fatalf("expected empty load, got %+v %v", snap, err)
			}

			if err := b.Save(ctx, sampleSnapshot()); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, err := b.Load(ctx)
			if err != nil || got == nil {
				t.Fatalf("load: %+v %v", got, err)
			}
			st := got.Stats()
			if st.Conversations != 2 || st.Messages != 2 || st.Contacts != 1 {
				t.Errorf("unexpected stats %+v", st)
			}
			if got.Messages["1"][1].Side != "agent" {
				t.Errorf("message order or fields lost: %+v", got.Messages["1"])
			}

			// A later save replaces the earlier snapshot completely.
			if err := b.Save(ctx, cache.Snapshot{Contacts: map[string]cache.Contact{"x": {ID: 1}}}); err != nil {
				t.Fatalf("second save: %v", err)
			}
			got, _ = b.Load(ctx)
			if got == nil || len(got.Conversations) != 0 || len(got.Contacts) != 1 {
				t.Errorf("expected replacement snapshot, got %+v", got)
			}

			if err := b.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if got, err := b.Load(ctx); err != nil || got != nil {
				t.Errorf("expected empty load after clear, got %+v %v", got, err)
			}
		})
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		opts    cache.Options
		want    string
		wantErr bool
	}{
		{"default is file", cache.Options{Path: filepath.Join(dir, "a.json")}, cache.BackendFile, false},
		{"memory", cache.Options{Backend: "memory"}, cache.BackendMemory, false},
		{"sqlite", cache.Options{Backend: "SQLite", Path: filepath.Join(dir, "b.json")}, cache.BackendSQLite, false},
		{"bolt", cache.Options{Backend: "bolt", Path: filepath.Join(dir, "c.json")}, cache.BackendBolt, false},
		{"redis without url", cache.Options{Backend: "redis"}, "", true},
		{"unknown", cache.Options{Backend: "etcd"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := cache.OpenBackend(tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer b.Close()
			if b.Name() != tt.want {
				t.Errorf("got backend %q, want %q", b.Name(), tt.want)
			}
		})
	}
}

func TestOpenBackend_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := cache.OpenBackend(cache.Options{Backend: "redis", RedisURL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	if err := b.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists(cache.DefaultRedisKey) {
		t.Errorf("expected snapshot under %s", cache.DefaultRedisKey)
	}
}
