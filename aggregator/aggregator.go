// Package aggregator is the Aggregator: it groups Enriched Events into
// Connection Records over a fixed time window, keyed on (exe hash, parent
// hash, uid, remote domain-or-address, port) so two records with the same
// key never appear split across a batch. The ticker-driven window-close loop
// is grounded on process.StatsCollector.Start; the grouping itself
// generalizes network.ConnectionMap's flood-control bucketing from an
// unbounded append-only slice into a closed, emitted-once multiset.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/snitchd/snitchd/types"
)

// Aggregator consumes Enriched Events and emits closed batches of Connection
// Records on Batches.
type Aggregator struct {
	window    time.Duration
	bandwidth bool
	in        <-chan types.EnrichedEvent
	Batches   chan []types.ConnectionRecord

	mu          sync.Mutex
	windowStart time.Time
	groups      map[types.GroupKey]*types.ConnectionRecord
}

// New builds an Aggregator reading from in. A window of zero disables
// grouping entirely: every event is emitted as its own single-record batch
// the instant it arrives, which is the documented W=0 boundary behavior —
// no buffering, so there is nothing for a ticker to ever wait on. When
// bandwidth is false, records carry only connection counts; byte counters
// are left at zero instead of being accumulated.
func New(in <-chan types.EnrichedEvent, window time.Duration, bandwidth bool) *Aggregator {
	return &Aggregator{
		window:      window,
		bandwidth:   bandwidth,
		in:          in,
		Batches:     make(chan []types.ConnectionRecord, 64),
		windowStart: time.Now(),
		groups:      make(map[types.GroupKey]*types.ConnectionRecord),
	}
}

// Run consumes events and emits window-closed batches until ctx is
// cancelled or in is closed, then emits one final partial batch.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.Batches)

	if a.window <= 0 {
		a.runUngrouped(ctx)
		return
	}

	ticker := time.NewTicker(a.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case ev, ok := <-a.in:
			if !ok {
				a.flush()
				return
			}
			a.add(ev)
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *Aggregator) runUngrouped(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.in:
			if !ok {
				return
			}
			rec := recordFromEvent(ev, time.Now())
			rec.ConnCount = 1
			if a.bandwidth {
				switch ev.Raw.Direction {
				case types.DirSend:
					rec.BytesSent = ev.Raw.Bytes
				case types.DirRecv:
					rec.BytesReceived = ev.Raw.Bytes
				}
			}
			select {
			case a.Batches <- []types.ConnectionRecord{rec}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Aggregator) add(ev types.EnrichedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := groupKeyFor(ev)
	rec, ok := a.groups[key]
	if !ok {
		r := recordFromEvent(ev, a.windowStart)
		a.groups[key] = &r
		rec = &r
	}
	rec.ConnCount++
	if a.bandwidth {
		switch ev.Raw.Direction {
		case types.DirSend:
			rec.BytesSent += ev.Raw.Bytes
		case types.DirRecv:
			rec.BytesReceived += ev.Raw.Bytes
		}
	}
	if ev.LogIgnored {
		rec.LogIgnored = true
	}
	if rec.ExeSHA256 == "" && ev.ExeHash != "" {
		rec.ExeSHA256 = ev.ExeHash
	}
	if rec.HashError == types.HashErrNone && ev.HashError != types.HashErrNone {
		rec.HashError = ev.HashError
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.groups) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]types.ConnectionRecord, 0, len(a.groups))
	for _, rec := range a.groups {
		batch = append(batch, *rec)
	}
	a.groups = make(map[types.GroupKey]*types.ConnectionRecord)
	a.windowStart = time.Now()
	a.mu.Unlock()

	a.Batches <- batch
}

func groupKeyFor(ev types.EnrichedEvent) types.GroupKey {
	parentHash := ""
	if ev.Lineage.Parent != nil {
		parentHash = ev.Lineage.Parent.ExeHash
	}
	return types.GroupKey{
		ExeHash:      ev.ExeHash,
		ParentHash:   parentHash,
		Uid:          ev.Raw.Uid,
		RemoteDomain: remoteKey(ev),
		RemotePort:   ev.Raw.RemotePort,
	}
}

func remoteKey(ev types.EnrichedEvent) string {
	if ev.RemoteDomain != "" {
		return ev.RemoteDomain
	}
	if ev.Raw.RemoteIP != nil {
		return ev.Raw.RemoteIP.String()
	}
	return ""
}

func recordFromEvent(ev types.EnrichedEvent, windowStart time.Time) types.ConnectionRecord {
	rec := types.ConnectionRecord{
		WindowStart:  windowStart,
		ExePath:      ev.Lineage.ExePath,
		ExeName:      ev.Lineage.Name,
		ExeSHA256:    ev.ExeHash,
		HashError:    ev.HashError,
		CmdLine:      ev.Lineage.CmdLine,
		Uid:          ev.Raw.Uid,
		Username:     ev.Username,
		RemoteDomain: ev.RemoteDomain,
		RemotePort:   ev.Raw.RemotePort,
		LogIgnored:   ev.LogIgnored,
	}
	if ev.Raw.RemoteIP != nil {
		rec.RemoteIP = ev.Raw.RemoteIP.String()
	}
	if ev.Lineage.Parent != nil {
		rec.ParentExe = ev.Lineage.Parent.ExePath
		rec.ParentName = ev.Lineage.Parent.Name
		rec.ParentCmdLine = ev.Lineage.Parent.CmdLine
		rec.ParentSHA256 = ev.Lineage.Parent.ExeHash
	}
	return rec
}
