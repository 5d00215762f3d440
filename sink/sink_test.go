package sink

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snitchd/snitchd/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func rec(exe, sha string) types.ConnectionRecord {
	return types.ConnectionRecord{
		WindowStart: time.Now(),
		ExePath:     exe,
		ExeSHA256:   sha,
		ConnCount:   1,
		BytesSent:   10,
	}
}

func readTextLogRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open text log: %v", err)
	}
	defer f.Close()

	var rows [][]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, ","))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan text log: %v", err)
	}
	return rows
}

func TestTextLogWritesAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.txt")
	tl, err := NewTextLog(path)
	if err != nil {
		t.Fatalf("NewTextLog: %v", err)
	}

	batch := []types.ConnectionRecord{rec("/usr/bin/curl", "hash1"), rec("/usr/bin/wget", "hash2")}
	if err := tl.Write(context.Background(), batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readTextLogRows(t, path)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if len(row) != 16 {
			t.Fatalf("expected 16 columns, got %d: %v", len(row), row)
		}
	}
	if rows[0][1] != "/usr/bin/curl" || rows[1][1] != "/usr/bin/wget" {
		t.Fatalf("expected exe paths in column 1, got %v", rows)
	}
	if rows[0][4] != "hash1" || rows[1][4] != "hash2" {
		t.Fatalf("expected sha256 in column 4, got %v", rows)
	}
}

func TestTextLogStripsForbiddenCharactersRatherThanQuoting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.txt")
	tl, err := NewTextLog(path)
	if err != nil {
		t.Fatalf("NewTextLog: %v", err)
	}

	r := rec("/usr/bin/curl", "hash1")
	r.CmdLine = "curl, --data \x00payload\nmore"
	if err := tl.Write(context.Background(), []types.ConnectionRecord{r}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readTextLogRows(t, path)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if len(rows[0]) != 16 {
		t.Fatalf("an unstripped comma would add a column; got %d columns: %v", len(rows[0]), rows[0])
	}
	cmdline := rows[0][3]
	if strings.ContainsAny(cmdline, ",\n\r\x00") {
		t.Fatalf("expected forbidden characters stripped from cmdline, got %q", cmdline)
	}
	if cmdline != "curl --data payloadmore" {
		t.Fatalf("expected stripped cmdline %q, got %q", "curl --data payloadmore", cmdline)
	}
}

func TestTextLogAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.txt")

	tl1, err := NewTextLog(path)
	if err != nil {
		t.Fatalf("NewTextLog: %v", err)
	}
	if err := tl1.Write(context.Background(), []types.ConnectionRecord{rec("/bin/a", "h1")}); err != nil {
		t.Fatal(err)
	}
	tl1.Close()

	tl2, err := NewTextLog(path)
	if err != nil {
		t.Fatalf("reopen NewTextLog: %v", err)
	}
	if err := tl2.Write(context.Background(), []types.ConnectionRecord{rec("/bin/b", "h2")}); err != nil {
		t.Fatal(err)
	}
	tl2.Close()

	rows := readTextLogRows(t, path)
	if len(rows) != 2 {
		t.Fatalf("expected append rather than truncate across reopens, got %d rows", len(rows))
	}
}

func TestRemoteSinkPlaceholdersPerDriver(t *testing.T) {
	mysql := &RemoteSink{driver: "mysql"}
	if got := mysql.placeholders(3); got[0] != "?" || got[1] != "?" || got[2] != "?" {
		t.Fatalf("expected all '?' placeholders for mysql, got %v", got)
	}

	pg := &RemoteSink{driver: "postgres"}
	got := pg.placeholders(3)
	want := []string{"$1", "$2", "$3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected postgres placeholders %v, got %v", want, got)
		}
	}
}

func TestRemoteSchemaUsesDriverSpecificPrimaryKey(t *testing.T) {
	cases := map[string]string{
		"mysql":    "AUTO_INCREMENT",
		"postgres": "SERIAL",
	}
	for driver, want := range cases {
		schema := remoteSchema(driver)
		if !containsSubstring(schema, want) {
			t.Fatalf("expected %s schema to contain %q, got:\n%s", driver, want, schema)
		}
	}
}

func TestJoinPlaceholders(t *testing.T) {
	got := joinPlaceholders([]string{"?", "?", "?"})
	if got != "?, ?, ?" {
		t.Fatalf("expected '?, ?, ?', got %q", got)
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

type fakeSink struct {
	mu      sync.Mutex
	writes  int
	failing bool
	closed  bool
}

func (f *fakeSink) Write(ctx context.Context, batch []types.ConnectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("permanently broken sink")
	}
	f.writes++
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestFanoutWritesToEveryHealthySink(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{}
	fo := NewFanout(discardLogger(), a, b)

	fo.Write(context.Background(), []types.ConnectionRecord{rec("/bin/a", "h1")})

	if a.writes != 1 || b.writes != 1 {
		t.Fatalf("expected both sinks to receive the batch, got a=%d b=%d", a.writes, b.writes)
	}
}

func TestFanoutOneFailingSinkDoesNotBlockTheOther(t *testing.T) {
	good := &fakeSink{}
	bad := &fakeSink{failing: true}
	fo := NewFanout(discardLogger(), good, bad)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fo.Write(ctx, []types.ConnectionRecord{rec("/bin/a", "h1")})

	if good.writes != 1 {
		t.Fatalf("expected the healthy sink to still receive the batch, got %d writes", good.writes)
	}
}

func TestFanoutCloseReturnsNilForHealthySinks(t *testing.T) {
	fo := NewFanout(discardLogger(), &fakeSink{}, &fakeSink{})
	if err := fo.Close(); err != nil {
		t.Fatalf("expected no error closing healthy sinks, got %v", err)
	}
}

func TestSQLiteWriteAndRetain(t *testing.T) {
	s, err := NewSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()

	old := rec("/usr/bin/old", "hold")
	old.WindowStart = time.Now().AddDate(0, 0, -100)
	fresh := rec("/usr/bin/fresh", "hfresh")

	if err := s.Write(context.Background(), []types.ConnectionRecord{old, fresh}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM connections").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows after Write, got %d", count)
	}

	if err := s.Retain(context.Background(), 90); err != nil {
		t.Fatalf("Retain: %v", err)
	}
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM connections").Scan(&count); err != nil {
		t.Fatalf("count after retain: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected Retain to delete the 100-day-old row, leaving 1, got %d", count)
	}
}

func TestFanoutWriteOnEmptyBatchIsANoOp(t *testing.T) {
	a := &fakeSink{}
	fo := NewFanout(discardLogger(), a)
	fo.Write(context.Background(), nil)
	if a.writes != 0 {
		t.Fatalf("expected no write for an empty batch, got %d", a.writes)
	}
}
