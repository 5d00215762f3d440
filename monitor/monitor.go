// Package monitor is the Monitor: it drives the Kernel Probe, resolves each
// Raw Event's executable hash (through the Exe Cache and Hasher Pool),
// attaches one level of process lineage, applies the log-ignore filter, and
// forwards Enriched Events downstream to the Aggregator. The read-enrich-
// forward loop is grounded on
// platform.LinuxBPFMonitor.handleNetworkEvents/handleProcessEvents; the
// per-identity pending list that lets many events share one in-flight hash
// generalizes the same coalescing idea the Hasher Pool itself already uses.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/snitchd/snitchd/config"
	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/execache"
	"github.com/snitchd/snitchd/hasher"
	"github.com/snitchd/snitchd/kernelprobe"
	"github.com/snitchd/snitchd/notify"
	"github.com/snitchd/snitchd/procfs"
	"github.com/snitchd/snitchd/resolve"
	"github.com/snitchd/snitchd/tamper"
	"github.com/snitchd/snitchd/types"
)

// maxPendingPerIdentity bounds how many events can queue behind one
// in-flight hash before the oldest is dropped with a QueueLoss error,
// preventing a single slow hash from growing memory without limit.
const maxPendingPerIdentity = 256

type Monitor struct {
	probe    kernelprobe.Probe
	hashPool *hasher.Pool
	cache    *execache.Cache
	tamperW  *tamper.Watcher
	domains  resolve.DomainResolver
	users    resolve.UserResolver
	cfg      config.Config
	logger   *slog.Logger
	notifier notify.Notifier

	Out chan types.EnrichedEvent

	mu      sync.Mutex
	pending map[types.ExeId][]types.RawEvent
	hashing map[types.ExeId]bool

	lineageMu sync.Mutex
	lineage   map[uint32]types.LineageInfo
}

func New(probe kernelprobe.Probe, hashPool *hasher.Pool, cache *execache.Cache, tamperW *tamper.Watcher, domains resolve.DomainResolver, users resolve.UserResolver, cfg config.Config, logger *slog.Logger, notifier notify.Notifier) *Monitor {
	return &Monitor{
		probe:    probe,
		hashPool: hashPool,
		cache:    cache,
		tamperW:  tamperW,
		domains:  domains,
		users:    users,
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		Out:      make(chan types.EnrichedEvent, 4096),
		pending:  make(map[types.ExeId][]types.RawEvent),
		hashing:  make(map[types.ExeId]bool),
		lineage:  make(map[uint32]types.LineageInfo),
	}
}

// Run drives the probe and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.Out)

	events, errc := m.probe.Run(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range errc {
			m.logger.Error("kernel probe", "error", err)
			var e *errs.Error
			if m.notifier != nil && errors.As(err, &e) && e.Kind.Surfaced() {
				m.notifier.Notify(string(e.Kind), e.Error())
			}
		}
	}()

	for ev := range events {
		m.handle(ctx, ev)
	}
	wg.Wait()
}

func (m *Monitor) handle(ctx context.Context, raw types.RawEvent) {
	if raw.Direction == types.DirExecOnly && !m.cfg.EveryExe {
		return
	}

	id, err := procfs.StatExeId(raw.Pid)
	if err != nil {
		m.emit(ctx, raw, "", types.HashErrVanishedProcess)
		return
	}

	if hash, ok := m.cache.Lookup(id); ok {
		m.emit(ctx, raw, hash, types.HashErrNone)
		return
	}

	m.mu.Lock()
	if m.hashing[id] {
		q := m.pending[id]
		dropped := false
		if len(q) >= maxPendingPerIdentity {
			q = q[1:]
			dropped = true
			m.logger.Warn("dropping oldest unhashed event", "error", errs.New(errs.KindQueueLoss, "pending queue full", nil))
		}
		m.pending[id] = append(q, raw)
		m.mu.Unlock()
		if dropped && m.notifier != nil {
			m.notifier.Notify(string(errs.KindQueueLoss), "dropped oldest unhashed event: pending queue full")
		}
		return
	}
	m.hashing[id] = true
	m.pending[id] = []types.RawEvent{raw}
	m.mu.Unlock()

	go m.resolveAndFlush(ctx, raw.Pid, id)
}

func (m *Monitor) resolveAndFlush(ctx context.Context, pid uint32, id types.ExeId) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res := m.hashPool.Hash(hctx, pid, id)

	if res.Kind == types.HashErrNone {
		m.cache.Store(id, res.Hash)
		if path, statErr := pathFor(pid); statErr == nil {
			m.tamperW.Watch(path, id)
		}
	}
	if res.Kind == types.HashErrExeReplaced {
		m.logger.Warn("executable replaced while hashing", "pid", pid)
		if m.notifier != nil {
			m.notifier.Notify(string(errs.KindExeReplaced), "executable changed on disk while being hashed")
		}
	}

	m.mu.Lock()
	queued := m.pending[id]
	delete(m.pending, id)
	delete(m.hashing, id)
	m.mu.Unlock()

	for _, raw := range queued {
		m.emit(ctx, raw, res.Hash, res.Kind)
	}
}

func pathFor(pid uint32) (string, error) {
	_, path, _, err := procfs.OpenExe(pid)
	return path, err
}

func (m *Monitor) emit(ctx context.Context, raw types.RawEvent, hash string, hashErr types.HashErrorKind) {
	if raw.Direction == types.DirExecOnly {
		raw.RemotePort = -1
	}

	lineage := m.lineageFor(raw.Pid, raw.Ppid, hash)
	if !m.cfg.LogCommands {
		lineage.CmdLine = ""
		if lineage.Parent != nil {
			parent := *lineage.Parent
			parent.CmdLine = ""
			lineage.Parent = &parent
		}
	}

	enriched := types.EnrichedEvent{
		Raw:        raw,
		Lineage:    lineage,
		Username:   m.users.Username(raw.Uid),
		ExeHash:    hash,
		HashError:  hashErr,
		ObservedAt: time.Now(),
	}
	if raw.RemoteIP != nil {
		enriched.RemoteDomain = m.domains.ReverseLookup(ctx, raw.RemoteIP.String())
	}
	enriched.LogIgnored = m.matchesLogIgnore(enriched)
	if !m.cfg.LogAddresses {
		enriched.Raw.RemoteIP = nil
	}

	select {
	case m.Out <- enriched:
	case <-ctx.Done():
	}
}

func (m *Monitor) lineageFor(pid, ppid uint32, hash string) types.LineageInfo {
	m.lineageMu.Lock()
	if l, ok := m.lineage[pid]; ok && l.ExeHash == hash {
		m.lineageMu.Unlock()
		return l
	}
	m.lineageMu.Unlock()

	info := types.LineageInfo{Pid: pid, ExeHash: hash}
	if path, _, _, err := procfs.OpenExe(pid); err == nil {
		info.ExePath = path
	}
	info.CmdLine, _ = procfs.CmdLine(pid)
	info.Name = procfs.Comm(pid)

	if ppid > 0 {
		parent := &types.ParentInfo{Pid: ppid}
		if ppath, _, parentID, err := procfs.OpenExe(ppid); err == nil {
			parent.ExePath = ppath
			if h, ok := m.cache.Lookup(parentID); ok {
				parent.ExeHash = h
			}
		} else {
			parent.IsPartial = true
		}
		parent.CmdLine, _ = procfs.CmdLine(ppid)
		parent.Name = procfs.Comm(ppid)
		info.Parent = parent
	}
	if !procfs.Exists(pid) {
		info.IsPartial = true
	}

	m.lineageMu.Lock()
	m.lineage[pid] = info
	m.lineageMu.Unlock()
	return info
}

func (m *Monitor) matchesLogIgnore(ev types.EnrichedEvent) bool {
	for _, h := range m.cfg.LogIgnore.Hashes {
		if h == ev.ExeHash {
			return true
		}
	}
	for _, d := range m.cfg.LogIgnore.Domains {
		if ev.RemoteDomain != "" && strings.HasSuffix(ev.RemoteDomain, d) {
			return true
		}
	}
	for _, p := range m.cfg.LogIgnore.Ports {
		if int32(p) == ev.Raw.RemotePort {
			return true
		}
	}
	for _, cidr := range m.cfg.LogIgnore.CIDRs {
		if _, network, err := net.ParseCIDR(cidr); err == nil && ev.Raw.RemoteIP != nil {
			if network.Contains(ev.Raw.RemoteIP) {
				return true
			}
		}
	}
	return false
}
