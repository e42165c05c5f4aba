package persistence_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/basket/orchestra/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "orchestra.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_CreatesDefaultPathWhenEmpty(t *testing.T) {
	if got := persistence.DefaultDBPath(); got == "" {
		t.Fatal("expected a non-empty default db path")
	}
}

func TestAppendMessage_RoundTripsInChronologicalOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "conv1", "user", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendMessage(ctx, "conv1", "assistant", "hi there"); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.Messages(ctx, "conv1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi there" {
		t.Fatalf("messages out of order: %+v", msgs)
	}
}

func TestMessages_RespectsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.AppendMessage(ctx, "conv1", "user", "msg"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, err := store.Messages(ctx, "conv1", 2)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
}

func TestSaveSummary_RoundTripsEmbedding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	embedding := []float32{0.5, -1.25, 3.0}

	if err := store.SaveSummary(ctx, "conv1", "a summary", 10, embedding); err != nil {
		t.Fatalf("save summary: %v", err)
	}

	sm, ok, err := store.LatestSummary(ctx, "conv1")
	if err != nil {
		t.Fatalf("latest summary: %v", err)
	}
	if !ok {
		t.Fatal("expected a summary to exist")
	}
	if sm.Text != "a summary" || sm.MessageCount != 10 {
		t.Fatalf("summary = %+v", sm)
	}
	if len(sm.Embedding) != len(embedding) {
		t.Fatalf("embedding length = %d, want %d", len(sm.Embedding), len(embedding))
	}
	for i, v := range embedding {
		if math.Abs(float64(v-sm.Embedding[i])) > 1e-6 {
			t.Fatalf("embedding[%d] = %v, want %v", i, sm.Embedding[i], v)
		}
	}
}

func TestLatestSummary_ReturnsMostRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_ = store.SaveSummary(ctx, "conv1", "first", 1, nil)
	_ = store.SaveSummary(ctx, "conv1", "second", 2, nil)

	sm, ok, err := store.LatestSummary(ctx, "conv1")
	if err != nil {
		t.Fatalf("latest summary: %v", err)
	}
	if !ok || sm.Text != "second" {
		t.Fatalf("summary = %+v, want second", sm)
	}
}

func TestLatestSummary_NoneReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.LatestSummary(context.Background(), "no-such-conversation")
	if err != nil {
		t.Fatalf("latest summary: %v", err)
	}
	if ok {
		t.Fatal("expected no summary to exist")
	}
}

func TestHITLRequest_RoundTripsThroughDecision(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordHITLRequest(ctx, "req1", "task1", "high"); err != nil {
		t.Fatalf("record request: %v", err)
	}

	pending, err := store.PendingHITLRequests(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].RequestID != "req1" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := store.RecordHITLDecision(ctx, "req1", true, "modified output", "looked fine"); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	rec, ok, err := store.HITLRequest(ctx, "req1")
	if err != nil {
		t.Fatalf("hitl request: %v", err)
	}
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.Status != "decided" || !rec.Approved || rec.ModifiedContent != "modified output" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.DecidedAt == nil {
		t.Fatal("expected decided_at to be set")
	}

	pending, err = store.PendingHITLRequests(ctx)
	if err != nil {
		t.Fatalf("pending after decision: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending requests left, got %d", len(pending))
	}
}

func TestHITLRequest_UnknownReturnsFalse(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.HITLRequest(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("hitl request: %v", err)
	}
	if ok {
		t.Fatal("expected no record to exist")
	}
}

func TestEncodeDecodeEmbedding_RoundTrips(t *testing.T) {
	vec := []float32{1, -2.5, 0, 100.125}
	blob := persistence.EncodeEmbedding(vec)
	if len(blob) != 4*len(vec) {
		t.Fatalf("blob length = %d, want %d", len(blob), 4*len(vec))
	}
	decoded := persistence.DecodeEmbedding(blob)
	for i, v := range vec {
		if decoded[i] != v {
			t.Fatalf("decoded[%d] = %v, want %v", i, decoded[i], v)
		}
	}
}

func TestDecodeEmbedding_RejectsUnalignedBlob(t *testing.T) {
	if got := persistence.DecodeEmbedding([]byte{1, 2, 3}); got != nil {
		t.Fatalf("expected nil for unaligned blob, got %v", got)
	}
}
