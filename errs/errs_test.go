package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByKindAlone(t *testing.T) {
	a := New(KindRingLoss, "lost 5 samples", nil)
	b := New(KindRingLoss, "lost 9 samples elsewhere", errors.New("boom"))

	if !errors.Is(a, New(KindRingLoss, "", nil)) {
		t.Fatal("expected errors.Is to match on Kind regardless of Detail")
	}
	if !errors.Is(b, New(KindRingLoss, "", nil)) {
		t.Fatal("expected errors.Is to match through a wrapped cause")
	}
	if errors.Is(a, New(KindQueueLoss, "", nil)) {
		t.Fatal("expected no match across distinct Kinds")
	}
}

func TestUnwrapExposesWrappedError(t *testing.T) {
	cause := errors.New("disk full")
	e := New(KindIoError, "write temp config", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause via Unwrap")
	}
}

func TestErrorStringIncludesKindDetailAndCause(t *testing.T) {
	e := New(KindSinkFailure, "sqlite3", errors.New("locked"))
	got := e.Error()
	want := "SinkFailure: sqlite3: locked"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	e := New(KindConfigInvalid, "bad driver", nil)
	want := "ConfigInvalid: bad driver"
	if got := e.Error(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSurfacedClassifiesKindsCorrectly(t *testing.T) {
	surfaced := []Kind{KindRingLoss, KindQueueLoss, KindExeReplaced, KindWatcherExhausted, KindSinkFailure, KindConfigInvalid, KindShutdownTimeout}
	for _, k := range surfaced {
		if !k.Surfaced() {
			t.Fatalf("expected %s to be Surfaced", k)
		}
	}
	quiet := []Kind{KindVanishedProcess, KindHashTimeout, KindPermissionDenied, KindIoError, KindScanBackoff}
	for _, k := range quiet {
		if k.Surfaced() {
			t.Fatalf("expected %s not to be Surfaced", k)
		}
	}
}

func TestErrorWrapsWithFmtErrorf(t *testing.T) {
	base := New(KindHashTimeout, "pid 42", nil)
	wrapped := fmt.Errorf("hash pool: %w", base)
	if !errors.Is(wrapped, New(KindHashTimeout, "", nil)) {
		t.Fatal("expected fmt.Errorf(%w, ...) wrapping to preserve Kind matching")
	}
}
