// Package kernelprobe is the Kernel Probe: the boundary between the kernel's
// eBPF tracepoints/cgroup hooks and the rest of the pipeline's
// types.RawEvent stream. The Linux implementation (kernelprobe_linux.go)
// generalizes platform.LinuxBPFMonitor — same cgroup/tracepoint attachment
// shape, same two-ringbuffer read loop — into an emitter of RawEvent rather
// than a monitor that writes straight to SQLite itself.
package kernelprobe

import (
	"context"

	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/types"
)

// Probe is the Kernel Probe's external interface.
type Probe interface {
	// Run starts the probe and returns its event and error channels without
	// blocking. Events are emitted until ctx is cancelled or an unrecoverable
	// error occurs; both channels are closed once the probe has stopped.
	Run(ctx context.Context) (<-chan types.RawEvent, <-chan error)
}

// Config holds the probe's attachment settings: the cgroup the socket hooks
// attach to and the configured per-ringbuffer size in 4KiB pages.
type Config struct {
	CgroupPath string
	RingPages  int
}

// NullProbe is the non-Linux stand-in: it closes both channels immediately,
// surfacing a single KindIoError error so callers see a clear
// reason capture never started rather than silence.
type NullProbe struct{}

func (NullProbe) Run(ctx context.Context) (<-chan types.RawEvent, <-chan error) {
	events := make(chan types.RawEvent)
	errc := make(chan error, 1)
	close(events)
	errc <- errs.New(errs.KindIoError, "kernel probe not supported on this platform", nil)
	close(errc)
	return events, errc
}
