package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrNotFound, "connection not found")
	want := "[NOT_FOUND] connection not found"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	wrapped := Wrap(ErrDatabase, "query failed", stderrors.New("disk I/O error"))
	want = "[DATABASE_ERROR] query failed: disk I/O error"
	if wrapped.Error() != want {
		t.Errorf("Expected %q, got %q", want, wrapped.Error())
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk I/O error")
	err := Wrap(ErrDatabase, "query failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestIsMatchesNestedCodes(t *testing.T) {
	inner := New(ErrTransientIO, "timeout")
	outer := Wrap(ErrSyncFailed, "sync pass failed", inner)

	if !Is(outer, ErrSyncFailed) {
		t.Error("Expected outer code to match")
	}
	if !Is(outer, ErrTransientIO) {
		t.Error("Expected inner code to match through unwrapping")
	}
	if Is(outer, ErrNotFound) {
		t.Error("Expected unrelated code not to match")
	}
	if Is(nil, ErrNotFound) {
		t.Error("Expected nil error to match nothing")
	}
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	err := fmt.Errorf("executing operation: %w", New(ErrPermanentRejection, "schema rejected"))
	if !Is(err, ErrPermanentRejection) {
		t.Error("Expected code match through fmt.Errorf wrapping")
	}
}

func TestRetryableClassification(t *testing.T) {
	retryable := []ErrorCode{ErrTransientIO, ErrSyncTimeout, ErrProviderUnavailable}
	for _, code := range retryable {
		if !Retryable(New(code, "x")) {
			t.Errorf("Expected %s retryable", code)
		}
	}

	terminal := []ErrorCode{ErrPermanentRejection, ErrAuthExpired, ErrConflictUnresolved, ErrNotFound}
	for _, code := range terminal {
		if Retryable(New(code, "x")) {
			t.Errorf("Expected %s not retryable", code)
		}
	}

	if Retryable(stderrors.New("plain error")) {
		t.Error("Expected uncoded error not retryable")
	}
}
