package pgstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/summarize/pgstore"
	"github.com/MrWong99/cashield/internal/transcript"
	"github.com/MrWong99/cashield/internal/window"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CASHIELD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CASHIELD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CASHIELD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS incident_summaries`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := pgstore.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_SaveAndRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := summarize.Record{
		Date:       "2025-03-14",
		AnchorTime: "18:00:04",
		NGWord:     "土下座",
		Turns:      []window.Turn{{Role: transcript.RoleCustomer, Text: "土下座しろ", Time: "18:00:04"}},
		Summary:    "客が土下座を要求",
		Severity:   4,
		Action:     "責任者を呼ぶ",
		Meta: summarize.Meta{
			Model:         "gemini-2.5-flash-lite",
			JobID:         "job-1",
			LineLow:       0,
			LineHigh:      2,
			TriggerIndex:  1,
			ModelSeverity: 3,
		},
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Same job ID again is ignored.
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := store.Records(ctx, "2025-03-14")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	r := got[0]
	if r.NGWord != "土下座" || r.Severity != 4 || r.Meta.ModelSeverity != 3 {
		t.Errorf("record = %+v", r)
	}
	if len(r.Turns) != 1 || r.Turns[0].Text != "土下座しろ" {
		t.Errorf("turns = %+v", r.Turns)
	}
	if len(r.Meta.LineIndices) != 3 {
		t.Errorf("LineIndices = %v", r.Meta.LineIndices)
	}
}
