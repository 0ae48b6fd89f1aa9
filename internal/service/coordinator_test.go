package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadrouter/backend/internal/db"
	"github.com/leadrouter/backend/internal/models"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS callers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    capacity_per_day INT NOT NULL CHECK (capacity_per_day > 0),
    assigned_count_today INT NOT NULL DEFAULT 0 CHECK (assigned_count_today >= 0),
    last_reset_date DATE NOT NULL,
    last_assigned_at TIMESTAMPTZ,
    affinity_tags TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS leads (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL DEFAULT '',
    contact TEXT NOT NULL DEFAULT '',
    affinity_key TEXT NOT NULL DEFAULT '',
    assigned_caller_id TEXT REFERENCES callers (id),
    assigned_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    lead_id TEXT NOT NULL REFERENCES leads (id),
    caller_id TEXT NOT NULL REFERENCES callers (id),
    reason_code TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func newTestService(t *testing.T) (*AssignmentService, *db.Store) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	store, err := db.New(ctx, url)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	t.Cleanup(store.Close)

	if _, err := store.Pool.Exec(ctx, testSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := store.Pool.Exec(ctx, `TRUNCATE assignments, leads, callers`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	svc := &AssignmentService{
		Store:       store,
		Logger:      zerolog.Nop(),
		LockTimeout: 5 * time.Second,
	}
	return svc, store
}

func seedCaller(t *testing.T, store *db.Store, c models.Caller) {
	t.Helper()
	ctx := context.Background()
	if c.LastResetDate.IsZero() {
		now := time.Now().UTC()
		c.LastResetDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	if c.AffinityTags == nil {
		c.AffinityTags = []string{}
	}
	if _, err := store.Pool.Exec(ctx, `
		INSERT INTO callers (id, name, capacity_per_day, assigned_count_today, last_reset_date, last_assigned_at, affinity_tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Name, c.CapacityPerDay, c.AssignedToday, c.LastResetDate, c.LastAssignedAt, c.AffinityTags); err != nil {
		t.Fatalf("seed caller %s: %v", c.ID, err)
	}
}

func seedLead(t *testing.T, store *db.Store, id, affinityKey string) {
	t.Helper()
	err := store.CreateLead(context.Background(), models.Lead{
		ID:          id,
		Source:      "test",
		AffinityKey: affinityKey,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed lead %s: %v", id, err)
	}
}

func TestAssign_TieredScenario(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	seedCaller(t, store, models.Caller{ID: "a", Name: "A", CapacityPerDay: 10, AssignedToday: 5, AffinityTags: []string{"maharashtra"}})
	seedCaller(t, store, models.Caller{ID: "b", Name: "B", CapacityPerDay: 60, AssignedToday: 0})
	seedCaller(t, store, models.Caller{ID: "c", Name: "C", CapacityPerDay: 60, AssignedToday: 2, LastAssignedAt: ts(12)})
	seedCaller(t, store, models.Caller{ID: "d", Name: "D", CapacityPerDay: 2, AssignedToday: 2, LastAssignedAt: ts(8), AffinityTags: []string{"karnataka"}})

	seedLead(t, store, "item1", "Maharashtra")
	seedLead(t, store, "item2", "Goa")
	seedLead(t, store, "item3", "Karnataka")

	res, err := svc.Assign(ctx, "item1")
	if err != nil {
		t.Fatalf("assign item1: %v", err)
	}
	if res.CallerID == nil || *res.CallerID != "a" || res.ReasonCode != ReasonAffinityRoundRobin {
		t.Fatalf("item1: expected a via %s, got %+v", ReasonAffinityRoundRobin, res)
	}

	res, err = svc.Assign(ctx, "item2")
	if err != nil {
		t.Fatalf("assign item2: %v", err)
	}
	if res.CallerID == nil || *res.CallerID != "b" || res.ReasonCode != ReasonGlobalRoundRobin {
		t.Fatalf("item2: expected b via %s, got %+v", ReasonGlobalRoundRobin, res)
	}

	res, err = svc.Assign(ctx, "item3")
	if err != nil {
		t.Fatalf("assign item3: %v", err)
	}
	if res.CallerID == nil || *res.CallerID != "d" || res.ReasonCode != ReasonCapacityOverflow {
		t.Fatalf("item3: expected d via %s, got %+v", ReasonCapacityOverflow, res)
	}

	d, err := store.GetCaller(ctx, "d")
	if err != nil {
		t.Fatalf("get caller d: %v", err)
	}
	if d.AssignedToday != 3 {
		t.Fatalf("expected d count 3 after overflow, got %d", d.AssignedToday)
	}
}

func TestAssign_AlreadyAssignedIsNoOp(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	seedCaller(t, store, models.Caller{ID: "solo", Name: "Solo", CapacityPerDay: 5})
	seedLead(t, store, "lead1", "")

	first, err := svc.Assign(ctx, "lead1")
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}
	second, err := svc.Assign(ctx, "lead1")
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if !second.AlreadyAssigned {
		t.Fatalf("expected already-assigned no-op, got %+v", second)
	}
	if *second.CallerID != *first.CallerID {
		t.Fatalf("repeat assign changed caller: %s -> %s", *first.CallerID, *second.CallerID)
	}

	records, err := store.ListRecordsForLead(ctx, "lead1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(records))
	}

	solo, err := store.GetCaller(ctx, "solo")
	if err != nil {
		t.Fatalf("get caller: %v", err)
	}
	if solo.AssignedToday != 1 {
		t.Fatalf("no-op retry must not touch the counter, got %d", solo.AssignedToday)
	}
}

func TestAssign_EmptyRegistryLeavesLeadUnassigned(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	seedLead(t, store, "orphan", "goa")

	res, err := svc.Assign(ctx, "orphan")
	if !errors.Is(err, ErrNoCallersAvailable) {
		t.Fatalf("expected ErrNoCallersAvailable, got %v", err)
	}
	if res.Status != StatusUnassigned {
		t.Fatalf("expected %s, got %s", StatusUnassigned, res.Status)
	}

	lead, err := store.GetLead(ctx, "orphan")
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if lead.AssignedCallerID != nil {
		t.Fatalf("lead must stay unassigned, got %v", *lead.AssignedCallerID)
	}
}

func TestAssign_LazyQuotaReset(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	seedCaller(t, store, models.Caller{
		ID:             "stale",
		Name:           "Stale",
		CapacityPerDay: 3,
		AssignedToday:  3, // at cap on yesterday's counter
		LastResetDate:  time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC),
		LastAssignedAt: ts(10),
	})
	seedLead(t, store, "fresh", "")

	res, err := svc.Assign(ctx, "fresh")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.ReasonCode != ReasonGlobalRoundRobin {
		t.Fatalf("stale counter must reset before the capacity check, got %s", res.ReasonCode)
	}

	c, err := store.GetCaller(ctx, "stale")
	if err != nil {
		t.Fatalf("get caller: %v", err)
	}
	if c.AssignedToday != 1 {
		t.Fatalf("expected count 1 after reset+assign, got %d", c.AssignedToday)
	}
}

func TestAssign_UnknownLead(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Assign(context.Background(), "missing"); !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

// Forcing the audit insert to fail after the caller and lead updates must
// roll everything back; a half-applied assignment is never observable.
func TestAssign_RollbackOnAuditFailure(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	seedCaller(t, store, models.Caller{ID: "r1", Name: "R1", CapacityPerDay: 5})
	seedLead(t, store, "doomed", "")

	if _, err := store.Pool.Exec(ctx, `ALTER TABLE assignments RENAME TO assignments_hidden`); err != nil {
		t.Fatalf("hide assignments table: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.Pool.Exec(context.Background(), `ALTER TABLE assignments_hidden RENAME TO assignments`)
	})

	if _, err := svc.Assign(ctx, "doomed"); err == nil {
		t.Fatal("expected assignment to fail without the audit table")
	}

	c, err := store.GetCaller(ctx, "r1")
	if err != nil {
		t.Fatalf("get caller: %v", err)
	}
	if c.AssignedToday != 0 {
		t.Fatalf("caller counter leaked through rollback: %d", c.AssignedToday)
	}
	if c.LastAssignedAt != nil {
		t.Fatalf("last_assigned_at leaked through rollback: %v", c.LastAssignedAt)
	}
	lead, err := store.GetLead(ctx, "doomed")
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if lead.AssignedCallerID != nil {
		t.Fatalf("lead stamp leaked through rollback: %v", *lead.AssignedCallerID)
	}
}

// Concurrent assigns must serialize on the registry lock: no lost leads, no
// double assignment, and nobody over capacity while capacity remains.
func TestAssign_ConcurrentArrivals(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	const callers = 4
	const leads = 8
	for i := 0; i < callers; i++ {
		seedCaller(t, store, models.Caller{ID: fmt.Sprintf("w%d", i), Name: fmt.Sprintf("W%d", i), CapacityPerDay: 2})
	}
	for i := 0; i < leads; i++ {
		seedLead(t, store, fmt.Sprintf("conc%d", i), "")
	}

	var wg sync.WaitGroup
	errs := make(chan error, leads)
	for i := 0; i < leads; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := svc.Assign(ctx, id); err != nil {
				errs <- fmt.Errorf("%s: %w", id, err)
			}
		}(fmt.Sprintf("conc%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent assign failed: %v", err)
	}

	all, err := store.ListCallers(ctx, "")
	if err != nil {
		t.Fatalf("list callers: %v", err)
	}
	total := 0
	for _, c := range all {
		if c.AssignedToday > c.CapacityPerDay {
			t.Fatalf("caller %s over capacity without exhausting the pool: %d/%d", c.ID, c.AssignedToday, c.CapacityPerDay)
		}
		total += c.AssignedToday
	}
	if total != leads {
		t.Fatalf("expected %d assignments across the pool, got %d", leads, total)
	}
}
