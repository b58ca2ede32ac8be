//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/bastion/internal/testutil"
)

func TestPostgresStore_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"inc_a", "inc_b", "inc_c"} {
		inc := &Incident{
			ID:        id,
			Type:      EventCallBlocked,
			Operation: "withdraw",
			Caller:    "0xAAAA000000000000000000000000000000000001",
			Detail:    map[string]any{"reason": "quorum reached"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Record(ctx, inc); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}

	got, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(got))
	}
	// Newest first
	if got[0].ID != "inc_c" || got[1].ID != "inc_b" {
		t.Errorf("expected newest-first order [inc_c inc_b], got [%s %s]", got[0].ID, got[1].ID)
	}
	if got[0].Detail["reason"] != "quorum reached" {
		t.Errorf("detail did not round-trip: %v", got[0].Detail)
	}
	if got[0].Operation != "withdraw" {
		t.Errorf("operation = %s, want withdraw", got[0].Operation)
	}
}

func TestPostgresStore_ListEmpty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	got, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no incidents, got %d", len(got))
	}
}
