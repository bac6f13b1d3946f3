package redis

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
)

// mockRedis keeps sets in memory
type mockRedis struct {
	sets   map[string]map[string]struct{}
	err    error
	closed bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{sets: make(map[string]map[string]struct{})}
}

func (m *mockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", m.err)
}

func (m *mockRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if m.err != nil {
		return redis.NewStringSliceResult(nil, m.err)
	}
	var out []string
	for k := range m.sets[key] {
		out = append(out, k)
	}
	return redis.NewStringSliceResult(out, nil)
}

func (m *mockRedis) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	for _, mem := range members {
		m.sets[key][mem.(string)] = struct{}{}
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *mockRedis) SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	for _, mem := range members {
		delete(m.sets[key], mem.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *mockRedis) Close() error {
	m.closed = true
	return nil
}

func keys(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for k := range ids {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestNew_InvalidAddress(t *testing.T) {
	client, err := New("invalid:address:12345")
	if err == nil {
		t.Error("New() should fail with invalid address")
		client.Close()
		return
	}
	if client != nil {
		t.Error("New() should return nil client on error")
	}
}

func TestClient_Close(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	if err := client.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !mock.closed {
		t.Error("Expected underlying client to be closed")
	}

	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on empty client should be a no-op, got %v", err)
	}

	var missing *Client
	if err := missing.Close(); err != nil {
		t.Errorf("Close() on nil client should be a no-op, got %v", err)
	}
}

func TestClient_SuppressionList(t *testing.T) {
	ctx := context.Background()
	mock := newMockRedis()
	client := NewWithClient(mock)

	ids, err := client.SuppressedIDs(ctx)
	if err != nil {
		t.Fatalf("SuppressedIDs() failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected empty list, got %v", keys(ids))
	}

	if err := client.Suppress(ctx, "X1", "X2", "pilot-X3"); err != nil {
		t.Fatalf("Suppress() failed: %v", err)
	}
	if err := client.Unsuppress(ctx, "X2"); err != nil {
		t.Fatalf("Unsuppress() failed: %v", err)
	}

	ids, err = client.SuppressedIDs(ctx)
	if err != nil {
		t.Fatalf("SuppressedIDs() failed: %v", err)
	}
	got := keys(ids)
	if len(got) != 2 || got[0] != "X1" || got[1] != "pilot-X3" {
		t.Errorf("Unexpected suppression list %v", got)
	}
	if _, ok := mock.sets[SuppressedKey]; !ok {
		t.Errorf("Expected set stored under %s", SuppressedKey)
	}
}

func TestClient_EmptyArgumentsAreNoops(t *testing.T) {
	mock := newMockRedis()
	mock.err = errors.New("should not be called")
	client := NewWithClient(mock)

	if err := client.Suppress(context.Background()); err != nil {
		t.Errorf("Suppress() with no ids should not error, got %v", err)
	}
	if err := client.Unsuppress(context.Background()); err != nil {
		t.Errorf("Unsuppress() with no ids should not error, got %v", err)
	}
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()
	mock := newMockRedis()
	mock.err = errors.New("connection refused")
	client := NewWithClient(mock)

	tests := []struct {
		name string
		call func() error
	}{
		{"ping", func() error { return client.Ping(ctx) }},
		{"members", func() error { _, err := client.SuppressedIDs(ctx); return err }},
		{"suppress", func() error { return client.Suppress(ctx, "X1") }},
		{"unsuppress", func() error { return client.Unsuppress(ctx, "X1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, mock.err) {
				t.Errorf("Expected wrapped %v, got %v", mock.err, err)
			}
		})
	}
}
