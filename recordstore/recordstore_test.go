package recordstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/snitchd/snitchd/types"
)

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(title, message string) {
	n.messages = append(n.messages, message)
}

func rec(exe, name, cmdline, hash string) types.ConnectionRecord {
	return types.ConnectionRecord{
		ExePath:   exe,
		ExeName:   name,
		CmdLine:   cmdline,
		ExeSHA256: hash,
	}
}

func openEmpty(t *testing.T, notifier *recordingNotifier) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.json")
	s, err := Open(path, notifier, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestNewExecutableNoveltyFiresOnce(t *testing.T) {
	n := &recordingNotifier{}
	s := openEmpty(t, n)

	first := s.update(rec("/usr/bin/curl", "curl", "curl example.com", "hash1"))
	if first != NoveltyNewExecutable {
		t.Fatalf("expected NoveltyNewExecutable, got %v", first)
	}

	second := s.update(rec("/usr/bin/curl", "curl", "curl example.com", "hash1"))
	if second != NoveltyNone {
		t.Fatalf("expected NoveltyNone on replay of an identical record, got %v", second)
	}
}

func TestNewHashForExecutableNovelty(t *testing.T) {
	n := &recordingNotifier{}
	s := openEmpty(t, n)

	s.update(rec("/usr/bin/curl", "curl", "curl example.com", "hash1"))
	n2 := s.update(rec("/usr/bin/curl", "curl", "curl example.com", "hash2"))
	if n2 != NoveltyNewHashForExecutable {
		t.Fatalf("expected NoveltyNewHashForExecutable, got %v", n2)
	}

	// replaying hash2 again must not re-fire.
	n3 := s.update(rec("/usr/bin/curl", "curl", "curl example.com", "hash2"))
	if n3 != NoveltyNone {
		t.Fatalf("expected NoveltyNone on hash replay, got %v", n3)
	}
}

func TestNewNameForExecutableNovelty(t *testing.T) {
	n := &recordingNotifier{}
	s := openEmpty(t, n)

	s.update(rec("/usr/bin/busybox", "busybox", "busybox ls", "hash1"))
	novelty := s.update(rec("/usr/bin/busybox", "ls", "busybox ls", "hash1"))
	if novelty != NoveltyNewNameForExecutable {
		t.Fatalf("expected NoveltyNewNameForExecutable, got %v", novelty)
	}
}

func TestNewExecutableForNameNovelty(t *testing.T) {
	n := &recordingNotifier{}
	s := openEmpty(t, n)

	s.update(rec("/usr/bin/python3.11", "python3.11", "python3.11 -c pass", "hash1"))
	novelty := s.update(rec("/usr/bin/python3.12", "python3.11", "python3.11 -c pass", "hash2"))
	if novelty != NoveltyNewExecutableForName {
		t.Fatalf("expected NoveltyNewExecutableForName, got %v", novelty)
	}
}

func TestIngestSuppressesNotifyWhenLogIgnored(t *testing.T) {
	n := &recordingNotifier{}
	s := openEmpty(t, n)

	batch := []types.ConnectionRecord{
		{ExePath: "/usr/bin/curl", ExeName: "curl", CmdLine: "curl x", ExeSHA256: "h1", LogIgnored: true},
	}
	if err := s.Ingest(context.Background(), batch); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(n.messages) != 0 {
		t.Fatalf("expected no notification for a log-ignored novel executable, got %v", n.messages)
	}

	// Novelty tracking itself must still have run despite the ignore.
	if _, ok := s.Lookup("/usr/bin/curl"); !ok {
		t.Fatal("expected the executable to still be recorded despite LogIgnored")
	}
}

func TestSetVerdictAndUnverifiedHashes(t *testing.T) {
	n := &recordingNotifier{}
	s := openEmpty(t, n)

	s.update(rec("/usr/bin/curl", "curl", "curl x", "hash1"))
	unverified := s.UnverifiedHashes()
	if path, ok := unverified["hash1"]; !ok || path != "/usr/bin/curl" {
		t.Fatalf("expected hash1 to be unverified and map to /usr/bin/curl, got %v", unverified)
	}

	s.SetVerdict("/usr/bin/curl", "hash1", "clean")
	if _, ok := s.UnverifiedHashes()["hash1"]; ok {
		t.Fatal("hash1 should no longer be unverified after SetVerdict")
	}
	entry, _ := s.Lookup("/usr/bin/curl")
	if entry.Hashes["hash1"].Verdict != "clean" {
		t.Fatalf("expected verdict 'clean', got %q", entry.Hashes["hash1"].Verdict)
	}
}

func TestSaveAndReopenRoundTrips(t *testing.T) {
	n := &recordingNotifier{}
	path := filepath.Join(t.TempDir(), "records.json")
	s, err := Open(path, n, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.update(rec("/usr/bin/curl", "curl", "curl x", "hash1"))
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := Open(path, n, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Count() != 1 {
		t.Fatalf("expected 1 executable after reopening, got %d", reopened.Count())
	}
	entry, ok := reopened.Lookup("/usr/bin/curl")
	if !ok || entry.Hashes["hash1"].Verdict != "" {
		t.Fatalf("expected /usr/bin/curl to round-trip with an unverified hash1, got %+v ok=%v", entry, ok)
	}
}
