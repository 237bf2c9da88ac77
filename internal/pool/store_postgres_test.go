package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var poolColumns = []string{
	"id", "provider", "provider_activation_id", "phone_number", "country_code", "service_code",
	"status", "reserved_by_lease_id", "reserved_at", "reserved_count", "used_count", "priority", "preheated",
	"cost", "currency", "bulk_purchased", "discount_rate", "expires_at", "cooldown_until", "created_at", "updated_at",
}

func TestPostgresStore_ReserveNext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	rows := sqlmock.NewRows(poolColumns).AddRow(
		"n1", "alpha", "act-1", "+15550001", "US", "wa",
		"reserved", "lease-1", now, 1, 0, 1, true,
		0.1, "USD", true, 0.0, now.Add(time.Hour), nil, now, now,
	)
	mock.ExpectQuery(`UPDATE pool_numbers SET\s+status = 'reserved'.*FOR UPDATE SKIP LOCKED`).
		WithArgs("wa", "US", "lease-1", now).
		WillReturnRows(rows)

	n, ok, err := NewPostgresStore(db).ReserveNext(context.Background(), Bucket{ServiceCode: "wa", CountryCode: "US"}, "lease-1", now)
	if err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if n.Status != StatusReserved || n.ReservedByLeaseID != "lease-1" || n.ReservedAt == nil || n.CooldownUntil != nil {
		t.Fatalf("unexpected number: %+v", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_ReserveNextMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`UPDATE pool_numbers SET`).WillReturnRows(sqlmock.NewRows(poolColumns))

	_, ok, err := NewPostgresStore(db).ReserveNext(context.Background(), Bucket{ServiceCode: "wa", CountryCode: "US"}, "lease-1", time.Now())
	if err != nil || ok {
		t.Fatalf("expected a clean miss, ok=%v err=%v", ok, err)
	}
}

func TestPostgresStore_TransitionLostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`UPDATE pool_numbers SET\s+status = \$4`).
		WithArgs("n1", "reserved", "lease-1", "available", true, 0, false, nil, nil, nil, now).
		WillReturnRows(sqlmock.NewRows(poolColumns))
	mock.ExpectQuery(`SELECT id, provider`).WithArgs("n1").WillReturnRows(sqlmock.NewRows(poolColumns).AddRow(
		"n1", "alpha", "act-1", "+15550001", "US", "wa",
		"expired", nil, nil, 1, 0, 1, true,
		0.1, "USD", true, 0.0, now, nil, now, now,
	))

	cur, err := NewPostgresStore(db).Transition(context.Background(), "n1",
		Expect{Status: StatusReserved, LeaseID: "lease-1"},
		Update{To: StatusAvailable, ClearReservation: true, At: now})
	if !errors.Is(err, ErrInvalidNumberState) {
		t.Fatalf("expected ErrInvalidNumberState, got %v", err)
	}
	if cur.Status != StatusExpired {
		t.Fatalf("expected current row returned, got %+v", cur)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_InsertDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO pool_numbers`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err = NewPostgresStore(db).Insert(context.Background(), PooledNumber{ID: "n1", Provider: "alpha", ProviderActivationID: "act-1"})
	if !errors.Is(err, ErrDuplicateNumber) {
		t.Fatalf("expected ErrDuplicateNumber, got %v", err)
	}
}

func TestPostgresStore_Counts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\)`).WithArgs("wa", "US").WillReturnRows(
		sqlmock.NewRows([]string{"status", "count", "preheated"}).
			AddRow("available", 3, 3).
			AddRow("reserved", 1, 1).
			AddRow("used", 2, 0),
	)

	c, err := NewPostgresStore(db).Counts(context.Background(), Bucket{ServiceCode: "wa", CountryCode: "US"})
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if c.Available != 3 || c.Reserved != 1 || c.Used != 2 || c.Preheated != 4 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}
