// Package sigma is the Detection Engine: Sigma rules evaluated against
// grouped Connection Records as they leave the Aggregator. Rule loading,
// hot-reload via fsnotify, and match persistence are adapted from the
// process-event poller's same ticker/fsnotify shape, converted from a
// polling design (query new rows since last_id on a ticker) to a push design
// (Evaluate is called once per emitted batch), since the Aggregator already
// delivers records in closed, ordered batches with no backlog to poll for.
package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/snitchd/snitchd/notify"
	"github.com/snitchd/snitchd/types"
)

// Detector loads Sigma rules from a directory tree (enabled_rules/,
// disabled_rules/) and evaluates Connection Records against them.
type Detector struct {
	rulesDir string
	db       *sql.DB
	notifier notify.Notifier
	logger   *slog.Logger

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	titles     map[string]string

	watcher *fsnotify.Watcher
}

// Match is a single rule hit against one Connection Record.
type Match struct {
	RuleID       string
	RuleTitle    string
	Severity     string
	MatchDetails []string
}

var fieldConfig = sigmago.Config{
	Title: "snitchd field mappings",
	FieldMappings: map[string]sigmago.FieldMapping{
		"Image":             {TargetNames: []string{"Image"}},
		"CommandLine":       {TargetNames: []string{"CommandLine"}},
		"ParentImage":       {TargetNames: []string{"ParentImage"}},
		"ParentCommandLine": {TargetNames: []string{"ParentCommandLine"}},
		"User":              {TargetNames: []string{"User"}},
		"DestinationHostname": {TargetNames: []string{"DestinationHostname"}},
		"DestinationPort":   {TargetNames: []string{"DestinationPort"}},
		"Hashes":            {TargetNames: []string{"Hashes"}},
	},
}

// NewDetector loads rules from rulesDir/enabled_rules and begins watching it
// for changes. db must already have the detections table (see
// EnsureSchema).
func NewDetector(rulesDir string, db *sql.DB, notifier notify.Notifier, logger *slog.Logger) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rule watcher: %w", err)
	}

	d := &Detector{
		rulesDir:   rulesDir,
		db:         db,
		notifier:   notifier,
		logger:     logger,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		titles:     make(map[string]string),
		watcher:    watcher,
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	disabledDir := filepath.Join(rulesDir, "disabled_rules")
	for _, dir := range []string{enabledDir, disabledDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", enabledDir, err)
	}
	return d, nil
}

// Run consumes rule-directory change events until ctx is cancelled,
// reloading the rule set on every write/create/remove/rename.
func (d *Detector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.watcher.Close()
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yml") && !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.LoadRules(); err != nil {
				d.logger.Error("reload sigma rules", "error", err)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("sigma rule watcher", "error", err)
		}
	}
}

// LoadRules (re)reads every .yml/.yaml file under enabled_rules, replacing
// the active evaluator set atomically.
func (d *Detector) LoadRules() error {
	enabledDir := filepath.Join(d.rulesDir, "enabled_rules")
	entries, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	titles := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(enabledDir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("read sigma rule", "path", path, "error", err)
			continue
		}
		if sigmago.InferFileType(content) != sigmago.RuleFile {
			continue
		}
		rule, err := sigmago.ParseRule(content)
		if err != nil {
			d.logger.Warn("parse sigma rule", "path", path, "error", err)
			continue
		}
		ev := evaluator.ForRule(rule, evaluator.WithConfig(fieldConfig))
		evaluators[rule.ID] = ev
		titles[rule.ID] = rule.Title
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.titles = titles
	d.mu.Unlock()

	d.logger.Info("loaded sigma rules", "count", len(evaluators), "dir", enabledDir)
	return nil
}

// Evaluate checks rec against every loaded rule, persists each match, and
// notifies once per matching rule.
func (d *Detector) Evaluate(ctx context.Context, rec types.ConnectionRecord) []Match {
	event := recordToFields(rec)

	d.mu.RLock()
	evaluators := d.evaluators
	titles := d.titles
	d.mu.RUnlock()

	var matches []Match
	for ruleID, ev := range evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil {
			d.logger.Error("evaluate sigma rule", "rule", ruleID, "error", err)
			continue
		}
		if !result.Match {
			continue
		}
		var details []string
		for k, hit := range result.SearchResults {
			if hit {
				details = append(details, k)
			}
		}
		m := Match{RuleID: ruleID, RuleTitle: titles[ruleID], Severity: ev.Rule.Level, MatchDetails: details}
		if m.Severity == "" {
			m.Severity = "medium"
		}
		matches = append(matches, m)
		if err := d.store(rec, m); err != nil {
			d.logger.Error("store sigma match", "rule", ruleID, "error", err)
		}
		if d.notifier != nil {
			d.notifier.Notify("Detection: "+m.RuleTitle, fmt.Sprintf("%s -> %s:%d", rec.ExePath, rec.RemoteDomain, rec.RemotePort))
		}
	}
	return matches
}

func recordToFields(rec types.ConnectionRecord) map[string]interface{} {
	return map[string]interface{}{
		"Image":                rec.ExePath,
		"CommandLine":          rec.CmdLine,
		"ParentImage":          rec.ParentExe,
		"ParentCommandLine":    rec.ParentCmdLine,
		"User":                 rec.Username,
		"DestinationHostname":  rec.RemoteDomain,
		"DestinationPort":      int64(rec.RemotePort),
		"Hashes":               rec.ExeSHA256,
	}
}

func (d *Detector) store(rec types.ConnectionRecord, m Match) error {
	detailsJSON, _ := json.Marshal(m.MatchDetails)
	_, err := d.db.Exec(`
		INSERT INTO detections (
			window_start, rule_id, rule_title, severity, exe_path, parent_exe,
			remote_domain, remote_port, username, match_details, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'new', datetime('now'))`,
		rec.WindowStart, m.RuleID, m.RuleTitle, m.Severity, rec.ExePath, rec.ParentExe,
		rec.RemoteDomain, rec.RemotePort, rec.Username, string(detailsJSON))
	return err
}

// EnsureSchema creates the detections table if absent.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			window_start DATETIME,
			rule_id TEXT,
			rule_title TEXT,
			severity TEXT,
			exe_path TEXT,
			parent_exe TEXT,
			remote_domain TEXT,
			remote_port INTEGER,
			username TEXT,
			match_details TEXT,
			status TEXT,
			created_at DATETIME
		)`)
	return err
}

// Stats summarizes recent detection activity for the status endpoint.
type Stats struct {
	ActiveRules    int
	SeverityCounts map[string]int
}

func (d *Detector) Stats() Stats {
	d.mu.RLock()
	active := len(d.evaluators)
	d.mu.RUnlock()

	counts := make(map[string]int)
	rows, err := d.db.Query("SELECT severity, COUNT(*) FROM detections GROUP BY severity")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var sev string
			var n int
			if rows.Scan(&sev, &n) == nil {
				counts[sev] = n
			}
		}
	}
	return Stats{ActiveRules: active, SeverityCounts: counts}
}
