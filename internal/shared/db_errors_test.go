package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"sqlite busy text", errors.New("SQLITE_BUSY: database busy"), true},
		{"sqlite locked text", fmt.Errorf("exec: %w", errors.New("database is locked")), true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock wrapped", fmt.Errorf("append: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"pg unique", &pgconn.PgError{Code: "23505"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Fatalf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsConstraintErrorPostgres(t *testing.T) {
	if !IsConstraintError(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected unique violation to be a constraint error")
	}
	if IsConstraintError(errors.New("unique")) {
		t.Fatal("plain error should not be a constraint error")
	}
}
