// Package errs defines the error taxonomy shared across the pipeline.
// Components wrap these with fmt.Errorf("%w", ...) so callers can
// errors.Is/As against a stable kind while still getting a readable message.
package errs

import "errors"

// Kind identifies one of the named error categories. A Kind is surfaced to
// the user (error log + notification) whenever it implies potential event
// loss or mis-attribution.
type Kind string

const (
	KindRingLoss         Kind = "RingLoss"
	KindQueueLoss        Kind = "QueueLoss"
	KindVanishedProcess  Kind = "VanishedProcess"
	KindExeReplaced      Kind = "ExeReplaced"
	KindHashTimeout      Kind = "HashTimeout"
	KindPermissionDenied Kind = "PermissionDenied"
	KindIoError          Kind = "IoError"
	KindWatcherExhausted Kind = "WatcherExhausted"
	KindSinkFailure      Kind = "SinkFailure"
	KindScanBackoff      Kind = "ScanBackoff"
	KindConfigInvalid    Kind = "ConfigInvalid"
	KindShutdownTimeout  Kind = "ShutdownTimeout"
)

// Surfaced reports whether errors of this kind must always reach the error
// log and trigger a (dedup-windowed) notification.
func (k Kind) Surfaced() bool {
	switch k {
	case KindRingLoss, KindQueueLoss, KindExeReplaced, KindWatcherExhausted,
		KindSinkFailure, KindConfigInvalid, KindShutdownTimeout:
		return true
	default:
		return false
	}
}

// Error is a taxonomy-tagged error. Detail carries the human-readable cause;
// Kind is what callers switch/errors.Is on.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, New(KindRingLoss, "", nil)) to match by Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a taxonomy error. Detail and wrapped err are both optional.
func New(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// RingLoss describes a kernel ring-buffer overflow of count lost samples.
type RingLoss struct {
	Count int
}

func (r RingLoss) Error() string { return "ring buffer lost samples" }
