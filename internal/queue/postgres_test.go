package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
)

func TestNewPostgresStore_EmptyDSN(t *testing.T) {
	_, err := NewPostgresStore("   ")
	if err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if !strings.Contains(err.Error(), "empty postgres dsn") {
		t.Fatalf("error = %v, want contains %q", err, "empty postgres dsn")
	}
}

func TestMapPostgresError(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{code: "23505", want: ErrExists},
		{code: "40001", want: ErrConflict},
		{code: "40P01", want: ErrConflict},
		{code: "53300", want: ErrThrottled},
		{code: "57014", want: ErrThrottled},
		{code: "55P03", want: ErrThrottled},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: tc.code, Message: "boom"})
			got := mapPostgresError(err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapPostgresError(%s) = %v, want %v", tc.code, got, tc.want)
			}
		})
	}
}

func TestMapPostgresError_PassesThroughUnknown(t *testing.T) {
	if mapPostgresError(nil) != nil {
		t.Fatal("nil error mapped to non-nil")
	}

	plain := errors.New("connection reset")
	if got := mapPostgresError(plain); got != plain {
		t.Fatalf("plain error = %v, want unchanged", got)
	}

	syntax := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	got := mapPostgresError(syntax)
	for _, sentinel := range []error{ErrExists, ErrConflict, ErrThrottled, ErrNotFound} {
		if errors.Is(got, sentinel) {
			t.Fatalf("syntax error mapped to %v", sentinel)
		}
	}
	var pgErr *pgconn.PgError
	if !errors.As(got, &pgErr) || pgErr.Code != "42601" {
		t.Fatalf("syntax error = %v, want original PgError", got)
	}
}

// A store without a database connection must still reject receipts issued by
// another queue before it issues any SQL.
func TestPostgresStore_RejectsForeignReceiptWithoutDB(t *testing.T) {
	s := &PostgresStore{nowFn: time.Now, moniker: "postgres-eu"}
	now := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	cmd := testCommand("c1", now)
	ctx := context.Background()

	cases := []struct {
		name    string
		receipt leasereceipt.Receipt
	}{
		{"other moniker", leasereceipt.New("sqlite-1", leasereceipt.StorageDocument, "tk", cmd, now)},
		{"message storage", leasereceipt.New("postgres-eu", leasereceipt.StorageMessage, "tk", cmd, now)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if s.SupportsLeaseReceipt(tc.receipt) {
				t.Fatal("receipt reported as supported")
			}
			if _, err := s.Query(ctx, tc.receipt); !errors.Is(err, ErrInvalidLeaseReceipt) {
				t.Fatalf("query err=%v, want ErrInvalidLeaseReceipt", err)
			}
			if _, err := s.Replace(ctx, tc.receipt, cmd, ReplaceLeaseExtension); !errors.Is(err, ErrInvalidLeaseReceipt) {
				t.Fatalf("replace err=%v, want ErrInvalidLeaseReceipt", err)
			}
			if err := s.Delete(ctx, tc.receipt); !errors.Is(err, ErrInvalidLeaseReceipt) {
				t.Fatalf("delete err=%v, want ErrInvalidLeaseReceipt", err)
			}
		})
	}

	own := leasereceipt.New("POSTGRES-EU", leasereceipt.StorageDocument, "tk", cmd, now)
	if !s.SupportsLeaseReceipt(own) {
		t.Fatal("moniker match should ignore case")
	}
}
