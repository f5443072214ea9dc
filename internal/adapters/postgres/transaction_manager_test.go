package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
)

func TestTransactionManager_GetTx_NoTransaction(t *testing.T) {
	ctx := context.Background()

	tx := GetTx(ctx)
	if tx != nil {
		t.Error("expected nil transaction in empty context")
	}
}

func TestTransactionManager_NestedJoinsOuter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	// A nil pool would panic on Begin; the joined path never reaches it.
	tm := NewTransactionManager(nil)
	ctx := setupMockContext(mock)

	called := false
	err = tm.WithTransaction(ctx, func(txCtx context.Context) error {
		called = true
		if GetTx(txCtx) == nil {
			t.Error("expected the outer transaction in the nested context")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected the function to run")
	}
}

func TestTransactionManager_NestedError_PassesThrough(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	tm := NewTransactionManager(nil)
	ctx := setupMockContext(mock)

	testErr := errors.New("inner failure")
	err = tm.WithTransaction(ctx, func(txCtx context.Context) error {
		return testErr
	})

	// The outer transaction owns rollback; joined calls return the error as-is.
	if !errors.Is(err, testErr) {
		t.Errorf("expected inner error, got %v", err)
	}
}
