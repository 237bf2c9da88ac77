package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sms-receive/internal/pool"

	"github.com/DATA-DOG/go-sqlmock"
)

var t0 = time.Unix(1700000000, 0).UTC()

type poolCall struct {
	id, leaseID string
	outcome     pool.Outcome
}

type stubReleaser struct {
	mu    sync.Mutex
	calls []poolCall
	err   error
}

func (r *stubReleaser) Release(ctx context.Context, id, leaseID string, outcome pool.Outcome) (pool.PooledNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, poolCall{id, leaseID, outcome})
	return pool.PooledNumber{ID: id}, r.err
}

func newTestService() (*Service, *stubReleaser, *time.Time) {
	rel := &stubReleaser{}
	now := t0
	s := NewService(NewMemoryStore(), rel, nil)
	s.SetClock(func() time.Time { return now })
	return s, rel, &now
}

func activeLease(id string, rt RentalType, fromPool bool) Lease {
	l := Lease{
		ID:                   id,
		Provider:             "alpha",
		ProviderActivationID: "act-" + id,
		PhoneNumber:          "+15550001",
		CountryCode:          "US",
		ServiceCode:          "wa",
		RentalType:           rt,
		State:                StateRequested,
		ExpiresAt:            t0.Add(20 * time.Minute),
	}
	if rt == RentalRental {
		end := t0.Add(24 * time.Hour)
		l.RentalStart, l.RentalEnd, l.ExpiresAt = &t0, &end, end
	}
	if fromPool {
		l.FromPool, l.PoolID, l.SelectedByAlgorithm = true, "pool-"+id, "pool"
	}
	_ = l.Apply(EventProvision, t0)
	_ = l.Apply(EventActivate, t0)
	return l
}

func TestNext(t *testing.T) {
	ok := []struct {
		from State
		e    Event
		to   State
	}{
		{StateRequested, EventProvision, StateProvisioning},
		{StateProvisioning, EventRetry, StateRequested},
		{StateProvisioning, EventActivate, StateActive},
		{StateProvisioning, EventFail, StateFailed},
		{StateActive, EventFulfill, StateFulfilled},
		{StateActive, EventExpire, StateExpired},
		{StateActive, EventRelease, StateReleased},
	}
	for _, tc := range ok {
		got, err := Next(tc.from, tc.e)
		if err != nil || got != tc.to {
			t.Fatalf("Next(%s, %s) = %s, %v; want %s", tc.from, tc.e, got, err, tc.to)
		}
	}

	bad := []struct {
		from State
		e    Event
	}{
		{StateRequested, EventActivate},
		{StateFulfilled, EventFulfill},
		{StateReleased, EventRelease},
		{StateExpired, EventRelease},
		{StateFailed, EventProvision},
	}
	for _, tc := range bad {
		if _, err := Next(tc.from, tc.e); !errors.Is(err, ErrInvalidNumberState) {
			t.Fatalf("Next(%s, %s): expected ErrInvalidNumberState, got %v", tc.from, tc.e, err)
		}
	}
}

func TestDedupKey(t *testing.T) {
	if DedupKey("m-1", "a", "b") != DedupKey("m-1", "x", "y") {
		t.Fatalf("expected provider message id to win")
	}
	if DedupKey("", "WhatsApp", "code 123456") != DedupKey("", " WhatsApp", "code 123456 ") {
		t.Fatalf("expected hash to ignore surrounding whitespace")
	}
	if DedupKey("", "WhatsApp", "code 123456") == DedupKey("", "WhatsApp", "code 654321") {
		t.Fatalf("expected different texts to differ")
	}
}

func TestRecordSms_OneTimeFulfilsOnceAndReleasesPool(t *testing.T) {
	s, rel, _ := newTestService()
	ctx := context.Background()
	l, err := s.Open(ctx, activeLease("l1", RentalOneTime, true))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	in := Inbound{MessageID: "m-1", Sender: "WhatsApp", Text: "Your code is 123-456", VerificationCode: "123456"}
	got, msg, created, err := s.RecordSms(ctx, l.ID, in)
	if err != nil || !created {
		t.Fatalf("record: created=%v err=%v", created, err)
	}
	if got.State != StateFulfilled || got.SmsReceivedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected fulfilled lease, got %+v", got)
	}
	if msg.VerificationCode != "123456" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	// Duplicate webhook.
	again, _, created, err := s.RecordSms(ctx, l.ID, in)
	if err != nil || created {
		t.Fatalf("expected duplicate to be ignored, created=%v err=%v", created, err)
	}
	if again.Version != got.Version {
		t.Fatalf("duplicate must not write the lease: %d vs %d", again.Version, got.Version)
	}
	if len(rel.calls) != 1 || rel.calls[0] != (poolCall{"pool-l1", "l1", pool.OutcomeSuccess}) {
		t.Fatalf("expected one pool success release, got %+v", rel.calls)
	}

	view, err := s.Status(ctx, l.ID)
	if err != nil || len(view.Messages) != 1 {
		t.Fatalf("expected one stored message, got %+v err=%v", view.Messages, err)
	}
}

func TestRecordSms_RentalCountsDistinctMessages(t *testing.T) {
	s, rel, _ := newTestService()
	ctx := context.Background()
	l, _ := s.Open(ctx, activeLease("l1", RentalRental, false))

	for _, text := range []string{"code 1111", "code 2222", "code 2222"} {
		if _, _, _, err := s.RecordSms(ctx, l.ID, Inbound{Sender: "tg", Text: text}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, _ := s.Get(ctx, l.ID)
	if got.State != StateActive || got.RentalSmsCount != 2 {
		t.Fatalf("expected active rental with 2 messages, got %s/%d", got.State, got.RentalSmsCount)
	}
	if len(rel.calls) != 0 {
		t.Fatalf("direct purchase must not touch the pool")
	}
}

func TestRecordSms_ClosedLeaseRejected(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()
	l, _ := s.Open(ctx, activeLease("l1", RentalOneTime, false))
	if _, _, err := s.Release(ctx, l.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, _, _, err := s.RecordSms(ctx, l.ID, Inbound{Text: "late"}); !errors.Is(err, ErrLeaseClosed) {
		t.Fatalf("expected ErrLeaseClosed, got %v", err)
	}
}

func TestRelease_PoolOutcomeDependsOnReceipt(t *testing.T) {
	s, rel, _ := newTestService()
	ctx := context.Background()

	quiet, _ := s.Open(ctx, activeLease("quiet", RentalRental, true))
	busy, _ := s.Open(ctx, activeLease("busy", RentalRental, true))
	s.RecordSms(ctx, busy.ID, Inbound{Text: "code 9999"})

	for _, id := range []string{quiet.ID, busy.ID} {
		l, changed, err := s.Release(ctx, id)
		if err != nil || !changed || l.State != StateReleased {
			t.Fatalf("release %s: %+v %v %v", id, l.State, changed, err)
		}
	}
	if rel.calls[0].outcome != pool.OutcomeFailure || rel.calls[1].outcome != pool.OutcomeSuccess {
		t.Fatalf("unexpected outcomes: %+v", rel.calls)
	}

	// Idempotent.
	if _, changed, err := s.Release(ctx, quiet.ID); err != nil || changed {
		t.Fatalf("second release: changed=%v err=%v", changed, err)
	}
	if len(rel.calls) != 2 {
		t.Fatalf("second release must not touch the pool again")
	}
}

func TestRelease_FulfilledLeaseIsInvalid(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()
	l, _ := s.Open(ctx, activeLease("l1", RentalOneTime, false))
	s.RecordSms(ctx, l.ID, Inbound{Text: "code 1234"})
	if _, _, err := s.Release(ctx, l.ID); !errors.Is(err, ErrInvalidNumberState) {
		t.Fatalf("expected ErrInvalidNumberState, got %v", err)
	}
}

func TestRelease_ConcurrentCallersTransitionOnce(t *testing.T) {
	s, rel, _ := newTestService()
	ctx := context.Background()
	l, _ := s.Open(ctx, activeLease("l1", RentalOneTime, true))

	var wg sync.WaitGroup
	var mu sync.Mutex
	changes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.Release(ctx, l.ID)
			if err != nil {
				t.Errorf("release: %v", err)
				return
			}
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if changes != 1 {
		t.Fatalf("expected exactly one transition, got %d", changes)
	}
	if len(rel.calls) != 1 {
		t.Fatalf("expected one pool release, got %d", len(rel.calls))
	}
}

func TestIsOpen(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()
	l, _ := s.Open(ctx, activeLease("l1", RentalOneTime, false))

	if open, err := s.IsOpen(ctx, l.ID); err != nil || !open {
		t.Fatalf("expected open lease, got %v %v", open, err)
	}
	s.Release(ctx, l.ID)
	if open, err := s.IsOpen(ctx, l.ID); err != nil || open {
		t.Fatalf("expected closed lease, got %v %v", open, err)
	}
	if open, err := s.IsOpen(ctx, "missing"); err != nil || open {
		t.Fatalf("expected unknown lease to read as closed, got %v %v", open, err)
	}
}

func TestExpireDue(t *testing.T) {
	s, rel, now := newTestService()
	ctx := context.Background()

	oneTime, _ := s.Open(ctx, activeLease("one", RentalOneTime, true))
	rental, _ := s.Open(ctx, activeLease("rent", RentalRental, true))
	idle, _ := s.Open(ctx, activeLease("idle", RentalRental, true))
	s.RecordSms(ctx, rental.ID, Inbound{Text: "code 4242"})

	*now = t0.Add(30 * time.Minute)
	closed, err := s.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != oneTime.ID || closed[0].State != StateExpired {
		t.Fatalf("expected only the one-time lease to expire, got %+v", closed)
	}

	*now = t0.Add(25 * time.Hour)
	closed, err = s.ExpireDue(ctx)
	if err != nil || len(closed) != 2 {
		t.Fatalf("expected both rentals closed, got %d err=%v", len(closed), err)
	}
	states := map[string]State{}
	for _, l := range closed {
		states[l.ID] = l.State
	}
	if states[rental.ID] != StateFulfilled || states[idle.ID] != StateExpired {
		t.Fatalf("unexpected rental outcomes: %+v", states)
	}

	outcomes := map[string]pool.Outcome{}
	for _, c := range rel.calls {
		outcomes[c.leaseID] = c.outcome
	}
	if outcomes["one"] != pool.OutcomeExpired || outcomes["rent"] != pool.OutcomeSuccess || outcomes["idle"] != pool.OutcomeExpired {
		t.Fatalf("unexpected pool outcomes: %+v", outcomes)
	}
}

func TestRecordFailure_PersistsMarker(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()
	l := Lease{ServiceCode: "wa", CountryCode: "US", State: StateRequested, FallbackCount: 3}

	got, err := s.RecordFailure(ctx, l, "no provider available")
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	stored, err := s.Get(ctx, got.ID)
	if err != nil || stored.State != StateFailed || stored.FailureReason == "" || stored.CompletedAt == nil {
		t.Fatalf("unexpected failure marker: %+v err=%v", stored, err)
	}
}

func TestOpen_RequiresActiveLease(t *testing.T) {
	s, _, _ := newTestService()
	if _, err := s.Open(context.Background(), Lease{State: StateProvisioning}); !errors.Is(err, ErrInvalidNumberState) {
		t.Fatalf("expected ErrInvalidNumberState, got %v", err)
	}
}

func TestMemoryStore_FindByActivationPrefersLiveThenNewest(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	mk := func(id string, state State, created time.Time) {
		l := activeLease(id, RentalOneTime, true)
		l.ProviderActivationID = "shared"
		l.State = state
		l.CreatedAt = created
		if err := st.Create(ctx, l); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("old-fulfilled", StateFulfilled, t0)
	mk("new-released", StateReleased, t0.Add(time.Hour))
	mk("mid-expired", StateExpired, t0.Add(30*time.Minute))

	for i := 0; i < 20; i++ {
		got, err := st.FindActiveByActivation(ctx, "alpha", "shared")
		if err != nil || got.ID != "new-released" {
			t.Fatalf("expected newest closed lease, got %q %v", got.ID, err)
		}
	}

	mk("live", StateActive, t0.Add(-time.Hour))
	got, err := st.FindActiveByActivation(ctx, "alpha", "shared")
	if err != nil || got.ID != "live" {
		t.Fatalf("expected the active lease, got %q %v", got.ID, err)
	}
}

func TestMemoryStore_UpdateVersionConflict(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	l := activeLease("l1", RentalOneTime, false)
	st.Create(ctx, l)

	if _, err := st.Update(ctx, l); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := st.Update(ctx, l); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
}

func TestPostgresStore_AppendMessageDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sms_messages .* ON CONFLICT \(lease_id, dedup_key\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := NewPostgresStore(db).AppendMessage(context.Background(), SmsMessage{ID: "m1", LeaseID: "l1", DedupKey: "id:x", ReceivedAt: t0})
	if err != nil || created {
		t.Fatalf("expected duplicate to report not created, created=%v err=%v", created, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_UpdateBumpsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	l := activeLease("l1", RentalRental, false)
	l.Version = 4
	mock.ExpectExec(`UPDATE sms_leases SET.*WHERE id = \$1 AND version = \$2`).
		WithArgs("l1", int64(4), 0, "active", nil, nil, nil, l.ExpiresAt, l.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := NewPostgresStore(db).Update(context.Background(), l)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Version != 5 {
		t.Fatalf("expected version 5, got %d", got.Version)
	}
}

func TestPostgresStore_ListCreatedScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cols := []string{"id", "provider", "provider_activation_id", "phone_number", "country_code", "service_code",
		"cost", "currency", "device_id", "user_id", "rental_type", "rental_start", "rental_end", "rental_sms_count",
		"from_pool", "pool_id", "selected_by_algorithm", "fallback_count", "state", "failure_reason",
		"activated_at", "sms_received_at", "completed_at", "expires_at", "created_at", "updated_at", "version"}
	rows := sqlmock.NewRows(cols).AddRow(
		"l1", "p1", "act-1", "+15550000001", "US", "wa",
		0.25, "USD", nil, "svc", "one_time", nil, nil, 0,
		true, "n1", "pool", 0, "fulfilled", nil,
		t0, t0.Add(time.Minute), t0.Add(time.Minute), t0.Add(20*time.Minute), t0, t0.Add(time.Minute), int64(3),
	)
	mock.ExpectQuery(`SELECT .* FROM sms_leases WHERE created_at >= \$1 AND created_at < \$2`).
		WithArgs(t0, t0.Add(time.Hour), "p1", 100).
		WillReturnRows(rows)

	got, err := NewPostgresStore(db).ListCreated(context.Background(), t0, t0.Add(time.Hour), "p1", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].PoolID != "n1" || got[0].DeviceID != "" || got[0].SmsReceivedAt == nil {
		t.Fatalf("unexpected rows: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
