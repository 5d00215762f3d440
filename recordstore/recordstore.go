// Package recordstore is the Record Store: the durable "known executables"
// document and the novelty decision that drives notifications. The shape of
// the document (per-executable names/cmdlines/ports/remote-addresses, plus a
// reverse Names and Remote Addresses index) and the update rules are
// grounded on original_source/picosnitch.py's read/write/update_snitch,
// carried over to Go as a struct instead of a loosely-typed JSON blob. The
// atomic write-temp-then-rename persistence follows config.Save.
package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/notify"
	"github.com/snitchd/snitchd/sink"
	"github.com/snitchd/snitchd/types"
)

// Novelty classifies why update produced a notification, mirroring the
// distinct cases original_source/picosnitch.py's update_snitch toasts for.
type Novelty string

const (
	NoveltyNone                 Novelty = ""
	NoveltyNewExecutable        Novelty = "new_executable"
	NoveltyNewHashForExecutable Novelty = "new_hash_for_executable"
	NoveltyNewNameForExecutable Novelty = "new_name_for_executable"
	NoveltyNewExecutableForName Novelty = "new_executable_for_name"
)

// ExecutableRecord is the accumulated history for one on-disk executable
// path, equivalent to one entry of picosnitch's "Processes" map.
type ExecutableRecord struct {
	ExePath         string          `json:"exe_path"`
	Names           []string        `json:"names"`
	CmdLines        []string        `json:"cmdlines"`
	FirstSeen       time.Time       `json:"first_seen"`
	LastSeen        time.Time       `json:"last_seen"`
	DaysSeen        int             `json:"days_seen"`
	Ports           []int32         `json:"ports"`
	RemoteAddresses []string        `json:"remote_addresses"`
	Hashes          map[string]Hash `json:"hashes"`
}

// Hash is one observed content hash of an executable and its most recent
// scan verdict, filled in lazily by the Scan Client.
type Hash struct {
	FirstSeen time.Time `json:"first_seen"`
	Verdict   string    `json:"verdict"` // "" until the Scan Client reports one
}

// document is the on-disk shape, written as a single JSON file the way
// picosnitch's read/write treat snitch.json.
type document struct {
	Executables     map[string]*ExecutableRecord `json:"executables"`
	Names           map[string][]string           `json:"names"`            // name -> exe paths
	RemoteAddresses map[string][]string           `json:"remote_addresses"` // reversed dns/ip -> exe paths
}

func newDocument() *document {
	return &document{
		Executables:     make(map[string]*ExecutableRecord),
		Names:           make(map[string][]string),
		RemoteAddresses: make(map[string][]string),
	}
}

// Store owns the known-executables document and forwards every ingested
// batch on to the Sink Fanout after updating it.
type Store struct {
	path     string
	notifier notify.Notifier
	fanout   *sink.Fanout

	mu  sync.Mutex
	doc *document
}

// Open loads path (creating an empty document if absent) and returns a
// Store that forwards to fanout after each Ingest.
func Open(path string, notifier notify.Notifier, fanout *sink.Fanout) (*Store, error) {
	s := &Store{path: path, notifier: notifier, fanout: fanout, doc: newDocument()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errs.New(errs.KindConfigInvalid, "read record store "+path, err)
	}
	if err := json.Unmarshal(data, s.doc); err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "parse record store "+path, err)
	}
	return s, nil
}

// Ingest updates the document from one Aggregator batch, notifying on any
// novel executable/hash/name, then forwards the records that did not match
// the log-ignore filter to the Sink Fanout.
func (s *Store) Ingest(ctx context.Context, batch []types.ConnectionRecord) error {
	logged := make([]types.ConnectionRecord, 0, len(batch))
	for i := range batch {
		rec := batch[i]
		n := s.update(rec)
		// novelty tracking runs regardless of LogIgnored; only the
		// notification is suppressed for ignored records.
		if n != NoveltyNone && !rec.LogIgnored {
			s.notify(rec, n)
		}
		if !rec.LogIgnored {
			logged = append(logged, rec)
		}
	}
	if s.fanout != nil {
		s.fanout.Write(ctx, logged)
	}
	return nil
}

func (s *Store) update(rec types.ConnectionRecord) Novelty {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	novelty := NoveltyNone

	entry, exists := s.doc.Executables[rec.ExePath]
	pathIsNew := !exists
	if !exists {
		entry = &ExecutableRecord{
			ExePath:   rec.ExePath,
			Names:     []string{rec.ExeName},
			CmdLines:  []string{rec.CmdLine},
			FirstSeen: now,
			LastSeen:  now,
			DaysSeen:  1,
			Hashes:    make(map[string]Hash),
		}
		s.doc.Executables[rec.ExePath] = entry
		novelty = NoveltyNewExecutable
	} else {
		if !sameDay(entry.LastSeen, now) {
			entry.DaysSeen++
		}
		entry.LastSeen = now
		if !contains(entry.Names, rec.ExeName) {
			entry.Names = append(entry.Names, rec.ExeName)
		}
		if !contains(entry.CmdLines, rec.CmdLine) {
			entry.CmdLines = append(entry.CmdLines, rec.CmdLine)
			sort.Strings(entry.CmdLines)
		}
	}

	if rec.RemotePort != 0 && !containsPort(entry.Ports, rec.RemotePort) {
		entry.Ports = append(entry.Ports, rec.RemotePort)
		sort.Slice(entry.Ports, func(i, j int) bool { return entry.Ports[i] < entry.Ports[j] })
	}
	if rec.RemoteDomain != "" && !contains(entry.RemoteAddresses, rec.RemoteDomain) {
		entry.RemoteAddresses = append(entry.RemoteAddresses, rec.RemoteDomain)
	}

	if rec.ExeSHA256 != "" {
		if _, ok := entry.Hashes[rec.ExeSHA256]; !ok {
			entry.Hashes[rec.ExeSHA256] = Hash{FirstSeen: now}
			if novelty == NoveltyNone {
				novelty = NoveltyNewHashForExecutable
			}
		}
	}

	names := s.doc.Names[rec.ExeName]
	if !contains(names, rec.ExePath) {
		nameAlreadyUsed := len(names) > 0
		switch {
		case pathIsNew && nameAlreadyUsed:
			// A different binary has shown up under a name we already know,
			// which is more specific (and more security-relevant) than the
			// plain "brand new executable" novelty it would otherwise carry.
			novelty = NoveltyNewExecutableForName
		case !pathIsNew && novelty == NoveltyNone:
			novelty = NoveltyNewNameForExecutable
		}
		s.doc.Names[rec.ExeName] = append(names, rec.ExePath)
	}

	if rec.RemoteDomain != "" {
		paths := s.doc.RemoteAddresses[rec.RemoteDomain]
		if !contains(paths, rec.ExePath) {
			s.doc.RemoteAddresses[rec.RemoteDomain] = append(paths, rec.ExePath)
		}
	}

	return novelty
}

func (s *Store) notify(rec types.ConnectionRecord, n Novelty) {
	if s.notifier == nil {
		return
	}
	var msg string
	switch n {
	case NoveltyNewExecutable:
		msg = fmt.Sprintf("new executable: %s", rec.ExePath)
	case NoveltyNewHashForExecutable:
		msg = fmt.Sprintf("new hash for %s: %s", rec.ExePath, rec.ExeSHA256)
	case NoveltyNewNameForExecutable:
		msg = fmt.Sprintf("new name for %s: %s", rec.ExePath, rec.ExeName)
	case NoveltyNewExecutableForName:
		msg = fmt.Sprintf("new executable for %s: %s", rec.ExeName, rec.ExePath)
	default:
		return
	}
	// msg names the whole novel tuple, so using it as the title lets a
	// title-keyed dedup collapse repeats of one tuple without hiding others.
	s.notifier.Notify(msg, msg)
}

// Lookup returns the record for exePath, if any, for the Status Endpoint and
// the Scan Client's verdict updates.
func (s *Store) Lookup(exePath string) (ExecutableRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.doc.Executables[exePath]
	if !ok {
		return ExecutableRecord{}, false
	}
	return *entry, true
}

// SetVerdict records a Scan Client verdict for hash under exePath.
func (s *Store) SetVerdict(exePath, hash, verdict string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.doc.Executables[exePath]
	if !ok {
		return
	}
	h := entry.Hashes[hash]
	h.Verdict = verdict
	entry.Hashes[hash] = h
}

// UnverifiedHashes returns every hash in the document that still has no verdict,
// for the Scan Client to queue on startup.
func (s *Store) UnverifiedHashes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for path, entry := range s.doc.Executables {
		for hash, h := range entry.Hashes {
			if h.Verdict == "" {
				out[hash] = path
			}
		}
	}
	return out
}

// Count reports the number of distinct executables in the document, for the
// Status Endpoint's summary.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Executables)
}

// Save atomically rewrites the document to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "marshal record store", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.KindConfigInvalid, "mkdir "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, "records-*.json.tmp")
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "create temp record store", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New(errs.KindConfigInvalid, "write temp record store", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.KindConfigInvalid, "close temp record store", err)
	}
	return os.Rename(tmpPath, s.path)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsPort(list []int32, v int32) bool {
	for _, p := range list {
		if p == v {
			return true
		}
	}
	return false
}
