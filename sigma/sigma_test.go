package sigma

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/snitchd/snitchd/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const suspiciousDomainRule = `
title: Suspicious domain contact
id: 11111111-1111-1111-1111-111111111111
level: high
logsource:
  category: network_connection
detection:
  selection:
    DestinationHostname: evil.example.com
  condition: selection
`

func newTestDetector(t *testing.T, rules ...string) (*Detector, *sql.DB) {
	t.Helper()
	rulesDir := t.TempDir()
	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, rule := range rules {
		path := filepath.Join(enabledDir, fmt.Sprintf("rule%d.yml", i))
		if err := os.WriteFile(path, []byte(rule), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	d, err := NewDetector(rulesDir, db, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	t.Cleanup(func() { d.watcher.Close() })
	return d, db
}

func TestEvaluateMatchesOnDestinationHostname(t *testing.T) {
	d, db := newTestDetector(t, suspiciousDomainRule)

	rec := types.ConnectionRecord{ExePath: "/usr/bin/curl", RemoteDomain: "evil.example.com", RemotePort: 443}
	matches := d.Evaluate(context.Background(), rec)

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	if matches[0].RuleID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("unexpected rule id %q", matches[0].RuleID)
	}
	if matches[0].Severity != "high" {
		t.Fatalf("expected severity high, got %q", matches[0].Severity)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM detections").Scan(&count); err != nil {
		t.Fatalf("count detections: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the match to persist to the detections table, got %d rows", count)
	}
}

func TestEvaluateNoMatchForBenignDomain(t *testing.T) {
	d, _ := newTestDetector(t, suspiciousDomainRule)

	rec := types.ConnectionRecord{ExePath: "/usr/bin/curl", RemoteDomain: "example.com", RemotePort: 443}
	matches := d.Evaluate(context.Background(), rec)

	if len(matches) != 0 {
		t.Fatalf("expected no matches for a benign domain, got %+v", matches)
	}
}

func TestStatsReportsActiveRuleCount(t *testing.T) {
	d, _ := newTestDetector(t, suspiciousDomainRule)

	stats := d.Stats()
	if stats.ActiveRules != 1 {
		t.Fatalf("expected 1 active rule, got %d", stats.ActiveRules)
	}
}

func TestLoadRulesPicksUpNewlyWrittenRule(t *testing.T) {
	d, _ := newTestDetector(t)
	if got := d.Stats().ActiveRules; got != 0 {
		t.Fatalf("expected 0 rules before any are written, got %d", got)
	}

	enabledDir := filepath.Join(d.rulesDir, "enabled_rules")
	if err := os.WriteFile(filepath.Join(enabledDir, "new.yml"), []byte(suspiciousDomainRule), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.LoadRules(); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	if got := d.Stats().ActiveRules; got != 1 {
		t.Fatalf("expected 1 rule after LoadRules picks up the new file, got %d", got)
	}
}
