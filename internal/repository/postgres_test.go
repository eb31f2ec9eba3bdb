package repository

import (
	"context"
	"errors"
	"testing"
)

func TestWithRetry_AmbiguousCommitNotRetried(t *testing.T) {
	// Ошибка соединения на фазе фиксации не повторяется: фиксация могла
	// пройти, и повтор транзакции выполнил бы списание второй раз.
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return &ambiguousCommitError{err: errors.New("connection reset by peer")}
	})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	var ambiguous *ambiguousCommitError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("error lost its commit marker: %v", err)
	}
}

func TestWithRetry_ContextCancellationNotRetried(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return context.Canceled
	})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestWithRetry_OtherErrorsNotRetried(t *testing.T) {
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return ErrInsufficientBalance
	})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
}
