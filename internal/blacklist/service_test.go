package blacklist

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var t0 = time.Unix(1700000000, 0).UTC()

func newTestService() (*Service, *MemoryStore, *time.Time) {
	st := NewMemoryStore()
	now := t0
	s := NewService(st, Config{}, nil)
	s.SetClock(func() time.Time { return now })
	return s, st, &now
}

func TestAdd_DefaultsToManualByAdmin(t *testing.T) {
	s, _, _ := newTestService()
	e, err := s.Add(context.Background(), "alpha", "Manual block", AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if e.Type != TypeManual || e.TriggeredBy != TriggeredByAdmin || !e.Active || e.ExpiresAt != nil || e.ID == "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !s.IsBlacklisted("alpha") || s.IsBlacklisted("beta") || s.IsBlacklisted("") {
		t.Fatalf("unexpected blacklist view")
	}
}

func TestAdd_TemporaryExpiresAfterDuration(t *testing.T) {
	s, _, now := newTestService()
	ctx := context.Background()

	def, err := s.Add(ctx, "alpha", "Temp ban", AddOptions{Type: TypeTemporary})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if def.ExpiresAt == nil || !def.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected one hour default, got %v", def.ExpiresAt)
	}
	short, _ := s.Add(ctx, "beta", "Short ban", AddOptions{Type: TypeTemporary, Duration: 30 * time.Minute, TriggeredBy: "support-team", Notes: "context"})
	if !short.ExpiresAt.Equal(t0.Add(30*time.Minute)) || short.TriggeredBy != "support-team" || short.Notes != "context" {
		t.Fatalf("unexpected entry: %+v", short)
	}
	perm, _ := s.Add(ctx, "gamma", "Permanent ban", AddOptions{Type: TypePermanent})
	if perm.ExpiresAt != nil {
		t.Fatalf("permanent entries never expire: %+v", perm)
	}

	*now = t0.Add(31 * time.Minute)
	if !s.IsBlacklisted("alpha") || s.IsBlacklisted("beta") || !s.IsBlacklisted("gamma") {
		t.Fatalf("expected only the 30m entry to have lapsed")
	}
}

func TestAdd_Rejects(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()
	for _, tc := range []struct {
		provider, reason string
		opts             AddOptions
	}{
		{"", "reason", AddOptions{}},
		{"alpha", "", AddOptions{}},
		{"alpha", "reason", AddOptions{Type: "forever"}},
		{"alpha", "reason", AddOptions{Type: TypeTemporary, Duration: -time.Minute}},
	} {
		if _, err := s.Add(ctx, tc.provider, tc.reason, tc.opts); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("%+v: expected ErrInvalidEntry, got %v", tc, err)
		}
	}
}

func TestRemove_DeactivatesAndAppendsNote(t *testing.T) {
	s, st, now := newTestService()
	ctx := context.Background()
	s.Add(ctx, "alpha", "first", AddOptions{Notes: "Previous notes here"})
	*now = t0.Add(time.Minute)
	s.Add(ctx, "alpha", "second", AddOptions{Type: TypePermanent})
	s.Add(ctx, "beta", "other", AddOptions{})

	*now = t0.Add(2 * time.Minute)
	removed, err := s.Remove(ctx, "alpha", "Recovery")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 entries removed, got %d", len(removed))
	}
	for _, e := range removed {
		if e.Active || e.AutoRemoved || e.RemovedAt == nil || !e.RemovedAt.Equal(t0.Add(2*time.Minute)) {
			t.Fatalf("unexpected removed entry: %+v", e)
		}
		switch e.Reason {
		case "first":
			if e.Notes != "Previous notes here\nRemoved: Recovery" {
				t.Fatalf("unexpected notes: %q", e.Notes)
			}
		case "second":
			if e.Notes != "Removed: Recovery" {
				t.Fatalf("unexpected notes: %q", e.Notes)
			}
		}
	}
	if s.IsBlacklisted("alpha") || !s.IsBlacklisted("beta") {
		t.Fatalf("unexpected blacklist view after removal")
	}

	hist, _ := st.History(ctx, "alpha")
	if len(hist) != 2 || hist[0].Reason != "second" {
		t.Fatalf("expected history newest first, got %+v", hist)
	}

	removed, err = s.Remove(ctx, "beta", "")
	if err != nil || len(removed) != 1 || !strings.Contains(removed[0].Notes, "Removed: Manual removal") {
		t.Fatalf("expected default reason, got %+v %v", removed, err)
	}
	if removed, err := s.Remove(ctx, "nobody", "x"); err != nil || len(removed) != 0 {
		t.Fatalf("removing a clean provider should be a no-op: %+v %v", removed, err)
	}
}

func TestHandleConsecutiveFailures(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	if _, added, err := s.HandleConsecutiveFailures(ctx, "alpha", 4, "Error"); err != nil || added {
		t.Fatalf("below threshold: added=%v err=%v", added, err)
	}
	e, added, err := s.HandleConsecutiveFailures(ctx, "alpha", 5, "Connection timeout")
	if err != nil || !added {
		t.Fatalf("at threshold: added=%v err=%v", added, err)
	}
	if e.Type != TypeTemporary || e.TriggeredBy != TriggeredByAuto ||
		e.Reason != "Auto-blacklisted after 5 consecutive failures" || e.Notes != "Last error: Connection timeout" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if !e.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected one hour expiry, got %v", e.ExpiresAt)
	}
	if _, added, _ := s.HandleConsecutiveFailures(ctx, "alpha", 10, "Error"); added {
		t.Fatalf("already blacklisted providers are not added again")
	}
	list, _ := s.List(ctx, false)
	if len(list) != 1 {
		t.Fatalf("expected one entry, got %d", len(list))
	}
}

func TestCleanupExpired_RetiresOnlyLapsedTemporaryEntries(t *testing.T) {
	s, _, now := newTestService()
	ctx := context.Background()
	s.Add(ctx, "alpha", "temp", AddOptions{Type: TypeTemporary, Duration: time.Minute})
	s.Add(ctx, "beta", "temp", AddOptions{Type: TypeTemporary, Duration: 2 * time.Minute})
	s.Add(ctx, "gamma", "later", AddOptions{Type: TypeTemporary, Duration: time.Hour})
	s.Add(ctx, "delta", "manual", AddOptions{})
	s.Add(ctx, "omega", "perm", AddOptions{Type: TypePermanent})

	*now = t0.Add(5 * time.Minute)
	n, err := s.CleanupExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 retired, got %d %v", n, err)
	}
	all, _ := s.List(ctx, true)
	for _, e := range all {
		lapsed := e.Provider == "alpha" || e.Provider == "beta"
		if lapsed != !e.Active || lapsed != e.AutoRemoved {
			t.Fatalf("unexpected entry after cleanup: %+v", e)
		}
		if lapsed && (e.RemovedAt == nil || !e.RemovedAt.Equal(t0.Add(5*time.Minute))) {
			t.Fatalf("expected removal time on %+v", e)
		}
	}
	if n, _ := s.CleanupExpired(ctx); n != 0 {
		t.Fatalf("second cleanup should find nothing, got %d", n)
	}

	st, _ := s.Stats(ctx)
	if st != (Stats{Total: 3, Permanent: 1, Temporary: 1, Manual: 1}) {
		t.Fatalf("unexpected stats: %+v", st)
	}
	active, _ := s.List(ctx, false)
	if len(active) != 3 {
		t.Fatalf("expected 3 active entries, got %d", len(active))
	}
}

func TestRefresh_PicksUpEntriesFromOtherInstances(t *testing.T) {
	s, st, _ := newTestService()
	other := NewService(st, Config{}, nil)
	other.SetClock(func() time.Time { return t0 })
	if _, err := other.Add(context.Background(), "alpha", "elsewhere", AddOptions{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.IsBlacklisted("alpha") {
		t.Fatalf("view should be stale before refresh")
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !s.IsBlacklisted("alpha") {
		t.Fatalf("expected entry after refresh")
	}
}

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	until := t0.Add(time.Hour)
	mock.ExpectExec("INSERT INTO provider_blacklist").
		WithArgs("b1", "alpha", "flaky", "temporary", "auto", nil, until, true, false, nil, t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).Insert(context.Background(), Entry{
		ID: "b1", Provider: "alpha", Reason: "flaky", Type: TypeTemporary, TriggeredBy: TriggeredByAuto,
		ExpiresAt: &until, Active: true, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_DeactivateMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("UPDATE provider_blacklist SET").
		WithArgs("b1", false, t0, "Removed: Recovery").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := NewPostgresStore(db).Deactivate(context.Background(), "b1", "Removed: Recovery", false, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_ListAndCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cols := []string{"id", "provider", "reason", "blacklist_type", "triggered_by", "notes",
		"expires_at", "is_active", "auto_removed", "removed_at", "created_at", "updated_at"}
	removed := t0.Add(time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM provider_blacklist WHERE provider = \\$1 ORDER BY created_at DESC").
		WithArgs("alpha").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b2", "alpha", "manual", "manual", "admin", nil, nil, true, false, nil, t0.Add(time.Hour), t0.Add(time.Hour)).
			AddRow("b1", "alpha", "flaky", "temporary", "auto", "Last error: boom", t0.Add(time.Hour), false, true, removed, t0, removed))
	mock.ExpectQuery("SELECT(.+)FROM provider_blacklist").
		WillReturnRows(sqlmock.NewRows([]string{"total", "permanent", "temporary", "manual"}).AddRow(4, 1, 2, 1))

	st := NewPostgresStore(db)
	hist, err := st.History(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != "b2" || hist[0].Notes != "" || hist[0].ExpiresAt != nil {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if hist[1].Active || !hist[1].AutoRemoved || hist[1].RemovedAt == nil || hist[1].Notes != "Last error: boom" {
		t.Fatalf("unexpected retired entry: %+v", hist[1])
	}
	counts, err := st.Counts(context.Background())
	if err != nil || counts != (Stats{Total: 4, Permanent: 1, Temporary: 2, Manual: 1}) {
		t.Fatalf("unexpected counts: %+v %v", counts, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
