package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"database is locked (5) (SQLITE_BUSY)": true,
		"database is locked":                   true,
		"no such table: profiles":              false,
	}
	for msg, want := range cases {
		if got := IsSQLiteConflictError(errors.New(msg)); got != want {
			t.Fatalf("IsSQLiteConflictError(%q) = %v, want %v", msg, got, want)
		}
	}
	if IsSQLiteConflictError(nil) {
		t.Fatal("nil is not a conflict")
	}
}

func TestRetryOnConflictRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	err := RetryOnConflictWith(context.Background(), RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, "save", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("constraint failed")
	calls := 0
	err := RetryOnConflictWith(context.Background(), RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond}, "save", func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	t.Parallel()
	calls := 0
	err := RetryOnConflictWith(context.Background(), RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}, "save", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil || calls != 2 || !IsSQLiteConflictError(err) {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflictHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnConflictWith(ctx, RetryPolicy{Attempts: 3, BaseDelay: time.Second}, "save", func() error {
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
