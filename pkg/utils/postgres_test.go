package utils

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatalf("expected unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not unique violation")
	}
	if IsUniqueViolation(errors.New("x")) {
		t.Fatalf("plain error is not unique violation")
	}
}

func TestNullTimeRoundTrip(t *testing.T) {
	if NullTime(sql.NullTime{}) != nil {
		t.Fatalf("expected nil for invalid time")
	}
	now := time.Unix(1700000000, 0).UTC()
	got := NullTime(sql.NullTime{Time: now, Valid: true})
	if got == nil || !got.Equal(now) {
		t.Fatalf("unexpected time: %v", got)
	}
	if TimeArg(nil) != nil {
		t.Fatalf("expected nil arg")
	}
}
