package jsonsql

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/duskline/evrelay/store/postgres"
)

// These tests need a reachable Postgres with the documents migration
// applied; they are skipped unless PG_TEST_DSN is set.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	if err := postgres.RunMigrations(dsn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	db, err := postgres.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(db.Close)
	return New(db)
}

func testKey(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestGetDocumentMissingReturnsNil(t *testing.T) {
	s := testStore(t)

	doc, err := s.GetDocument(context.Background(), testKey(t))
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil for a key that was never set, got %+v", doc)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := testStore(t)
	key := testKey(t)

	want := map[string]any{"channel": "jobs.test", "retries": float64(3)}
	if err := s.SetDocument(context.Background(), key, want); err != nil {
		t.Fatalf("SetDocument: %v", err)
	}

	got, err := s.GetDocument(context.Background(), key)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got["channel"] != "jobs.test" || got["retries"] != float64(3) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSetDocumentOverwrites(t *testing.T) {
	s := testStore(t)
	key := testKey(t)

	if err := s.SetDocument(context.Background(), key, map[string]any{"v": float64(1)}); err != nil {
		t.Fatalf("first SetDocument: %v", err)
	}
	if err := s.SetDocument(context.Background(), key, map[string]any{"v": float64(2)}); err != nil {
		t.Fatalf("second SetDocument: %v", err)
	}

	got, err := s.GetDocument(context.Background(), key)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got["v"] != float64(2) {
		t.Fatalf("expected the upsert to replace the document, got %+v", got)
	}
}
