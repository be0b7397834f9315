package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestRecover_WithPanic tests the Recover function when a panic occurs
func TestRecover_WithPanic(t *testing.T) {
	testFunc := func() (err error) {
		defer Recover(&err, "PLSRegression.Fit")
		panic("matrix inversion failed")
	}

	err := testFunc()
	if err == nil {
		t.Fatal("Expected error from recovered panic, got nil")
	}

	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("Expected PanicError, got %T", err)
	}

	if panicErr.Operation != "PLSRegression.Fit" {
		t.Errorf("Expected operation 'PLSRegression.Fit', got '%s'", panicErr.Operation)
	}

	if panicErr.StackTrace == "" {
		t.Error("Expected non-empty stack trace")
	}

	expectedMsg := "panic in PLSRegression.Fit: matrix inversion failed"
	if panicErr.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, panicErr.Error())
	}
}

// TestRecover_WithExistingError tests Recover when the function already set an error
func TestRecover_WithExistingError(t *testing.T) {
	originalErr := fmt.Errorf("validation failed")

	testFunc := func() (err error) {
		defer Recover(&err, "GridSearchCV.Fit")
		err = originalErr
		panic("panic after error")
	}

	err := testFunc()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}

	if !strings.Contains(err.Error(), "panic in GridSearchCV.Fit") {
		t.Errorf("Error message should contain panic info: %s", err)
	}

	if !errors.Is(err, originalErr) {
		t.Error("Should be able to identify original error with errors.Is")
	}
}

func TestSafeExecute(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		if err := SafeExecute("interval", func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("function error is returned unchanged", func(t *testing.T) {
		originalErr := fmt.Errorf("function error")
		if err := SafeExecute("interval", func() error { return originalErr }); err != originalErr {
			t.Fatalf("Expected original error, got: %v", err)
		}
	})

	t.Run("panic with error value unwraps", func(t *testing.T) {
		cause := fmt.Errorf("index out of range")
		err := SafeExecute("interval", func() error { panic(cause) })

		var panicErr *PanicError
		if !errors.As(err, &panicErr) {
			t.Fatalf("Expected PanicError, got %T", err)
		}
		if !errors.Is(err, cause) {
			t.Error("PanicError should unwrap to the panicked error")
		}
		if !strings.Contains(panicErr.String(), "Stack trace:") {
			t.Error("String() should include stack trace information")
		}
	})
}
