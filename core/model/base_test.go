package model

import "testing"

func TestBaseEstimatorLifecycle(t *testing.T) {
	var e BaseEstimator
	if e.IsFitted() {
		t.Fatal("zero value must be NotFitted")
	}

	e.SetFitted()
	if !e.IsFitted() || e.State() != Fitted {
		t.Fatalf("state = %v, want Fitted", e.State())
	}

	e.Reset()
	if e.IsFitted() {
		t.Fatal("Reset must return to NotFitted")
	}
}
