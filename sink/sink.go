// Package sink is the Sink Fanout: the embedded SQLite store, the optional
// text log, and the optional remote relational sink, each receiving the same
// Connection Record batches from the Record Store. Schema and insert shape
// are adapted from database.DB's NewDB/initNetworkSchema/
// InsertNetworkConnection, generalized from per-raw-event rows to one row
// per grouped Connection Record.
package sink

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/snitchd/snitchd/errs"
	"github.com/snitchd/snitchd/types"
)

// Sink receives closed batches of Connection Records. A sink's failure must
// never block or drop work for any other sink in the Fanout.
type Sink interface {
	Write(ctx context.Context, batch []types.ConnectionRecord) error
	Close() error
}

// Fanout writes every batch to each configured Sink independently,
// retrying transient per-sink failures with backoff rather than letting one
// slow or down sink stall the others.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Write fans batch out to every sink concurrently and returns once all have
// finished, logging an errs.KindSinkFailure error for any sink that could
// not be retried to success. Fanout holds no Notifier, so such a failure
// reaches the log only.
func (f *Fanout) Write(ctx context.Context, batch []types.ConnectionRecord) {
	if len(batch) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range f.sinks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 30 * time.Second
			op := func() error { return s.Write(ctx, batch) }
			if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
				f.logger.Error("sink write failed", "error", errs.New(errs.KindSinkFailure, fmt.Sprintf("%T", s), err))
			}
		}()
	}
	wg.Wait()
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// SQLite is the embedded default sink.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "create data dir", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "snitchd.db"))
	if err != nil {
		return nil, errs.New(errs.KindSinkFailure, "open sqlite", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errs.New(errs.KindSinkFailure, "enable WAL", err)
	}
	if err := ensureConnectionSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// DB exposes the underlying connection for collaborators (the Detection
// Engine, the Status Endpoint) that share this database file.
func (s *SQLite) DB() *sql.DB { return s.db }

func ensureConnectionSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connections (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		window_start   DATETIME NOT NULL,
		exe_path       TEXT,
		exe_name       TEXT,
		exe_sha256     TEXT,
		hash_error     TEXT,
		cmdline        TEXT,
		uid            INTEGER,
		username       TEXT,
		remote_domain  TEXT,
		remote_ip      TEXT,
		remote_port    INTEGER,
		parent_exe     TEXT,
		parent_name    TEXT,
		parent_cmdline TEXT,
		parent_sha256  TEXT,
		conn_count     INTEGER,
		bytes_sent     INTEGER,
		bytes_received INTEGER,
		log_ignored    BOOLEAN
	);
	CREATE INDEX IF NOT EXISTS idx_connections_window ON connections(window_start);
	CREATE INDEX IF NOT EXISTS idx_connections_exe ON connections(exe_sha256);
	CREATE INDEX IF NOT EXISTS idx_connections_domain ON connections(remote_domain);`
	if _, err := db.Exec(schema); err != nil {
		return errs.New(errs.KindSinkFailure, "create connections schema", err)
	}
	return nil
}

func (s *SQLite) Write(ctx context.Context, batch []types.ConnectionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO connections (
			window_start, exe_path, exe_name, exe_sha256, hash_error, cmdline,
			uid, username, remote_domain, remote_ip, remote_port,
			parent_exe, parent_name, parent_cmdline, parent_sha256,
			conn_count, bytes_sent, bytes_received, log_ignored
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.WindowStart, rec.ExePath, rec.ExeName, rec.ExeSHA256, string(rec.HashError), rec.CmdLine,
			rec.Uid, rec.Username, rec.RemoteDomain, rec.RemoteIP, rec.RemotePort,
			rec.ParentExe, rec.ParentName, rec.ParentCmdLine, rec.ParentSHA256,
			rec.ConnCount, rec.BytesSent, rec.BytesReceived, rec.LogIgnored,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Close() error { return s.db.Close() }

// Retain deletes rows older than days; the daemon calls it periodically as
// its retention job.
func (s *SQLite) Retain(ctx context.Context, days int) error {
	cutoff := time.Now().AddDate(0, 0, -days)
	_, err := s.db.ExecContext(ctx, "DELETE FROM connections WHERE window_start < ?", cutoff)
	return err
}

// textLogStripper is every byte the comma-joined text log format forbids
// inside a field, since a stripped value (rather than a quoted one) is what
// keeps the column count fixed at sixteen on every line.
var textLogStripper = strings.NewReplacer(",", "", "\n", "", "\r", "", "\x00", "")

func sanitizeTextLogField(s string) string {
	return textLogStripper.Replace(s)
}

// TextLog appends each Connection Record as a sanitized comma-separated
// line, one sink among several the Fanout can hold concurrently. The column
// order is fixed: window_start, exe, name, cmdline, sha256, domain, ip,
// port, uid, parent_exe, parent_name, parent_cmdline, parent_sha256,
// conn_count, bytes_sent, bytes_received.
type TextLog struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewTextLog(path string) (*TextLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.New(errs.KindIoError, "create text log dir", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.New(errs.KindIoError, "open text log", err)
	}
	return &TextLog{f: f, w: bufio.NewWriter(f)}, nil
}

func (t *TextLog) Write(ctx context.Context, batch []types.ConnectionRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range batch {
		fields := [16]string{
			rec.WindowStart.Format(time.RFC3339),
			rec.ExePath,
			rec.ExeName,
			rec.CmdLine,
			rec.ExeSHA256,
			rec.RemoteDomain,
			rec.RemoteIP,
			strconv.FormatInt(int64(rec.RemotePort), 10),
			strconv.FormatUint(uint64(rec.Uid), 10),
			rec.ParentExe,
			rec.ParentName,
			rec.ParentCmdLine,
			rec.ParentSHA256,
			strconv.FormatUint(rec.ConnCount, 10),
			strconv.FormatUint(rec.BytesSent, 10),
			strconv.FormatUint(rec.BytesReceived, 10),
		}
		for i, v := range fields {
			fields[i] = sanitizeTextLogField(v)
		}
		if _, err := t.w.WriteString(strings.Join(fields[:], ",") + "\n"); err != nil {
			return err
		}
	}
	return t.w.Flush()
}

func (t *TextLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	return t.f.Close()
}

var _ io.Closer = (*TextLog)(nil)

// RemoteSink writes the same connections schema to an operator-configured
// MySQL or PostgreSQL server, for sites that centralize logs from more than
// one host rather than relying on each machine's embedded SQLite file.
type RemoteSink struct {
	db     *sql.DB
	driver string
}

// NewRemoteSink opens dsn with driver ("mysql" or "postgres") and ensures the
// connections table exists.
func NewRemoteSink(driver, dsn string) (*RemoteSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.New(errs.KindSinkFailure, "open remote sink", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.New(errs.KindSinkFailure, "ping remote sink", err)
	}
	if _, err := db.Exec(remoteSchema(driver)); err != nil {
		db.Close()
		return nil, errs.New(errs.KindSinkFailure, "create remote schema", err)
	}
	return &RemoteSink{db: db, driver: driver}, nil
}

func remoteSchema(driver string) string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		pk = "SERIAL PRIMARY KEY"
	} else if driver == "mysql" {
		pk = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS connections (
		id             %s,
		window_start   TIMESTAMP NOT NULL,
		exe_path       TEXT,
		exe_name       TEXT,
		exe_sha256     TEXT,
		hash_error     TEXT,
		cmdline        TEXT,
		uid            INTEGER,
		username       TEXT,
		remote_domain  TEXT,
		remote_ip      TEXT,
		remote_port    INTEGER,
		parent_exe     TEXT,
		parent_name    TEXT,
		parent_cmdline TEXT,
		parent_sha256  TEXT,
		conn_count     INTEGER,
		bytes_sent     BIGINT,
		bytes_received BIGINT,
		log_ignored    BOOLEAN
	)`, pk)
}

func (r *RemoteSink) placeholders(n int) []string {
	ph := make([]string, n)
	for i := range ph {
		if r.driver == "postgres" {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return ph
}

func (r *RemoteSink) Write(ctx context.Context, batch []types.ConnectionRecord) error {
	ph := r.placeholders(19)
	query := fmt.Sprintf(`INSERT INTO connections (
		window_start, exe_path, exe_name, exe_sha256, hash_error, cmdline,
		uid, username, remote_domain, remote_ip, remote_port,
		parent_exe, parent_name, parent_cmdline, parent_sha256,
		conn_count, bytes_sent, bytes_received, log_ignored
	) VALUES (%s)`, joinPlaceholders(ph))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.WindowStart, rec.ExePath, rec.ExeName, rec.ExeSHA256, string(rec.HashError), rec.CmdLine,
			rec.Uid, rec.Username, rec.RemoteDomain, rec.RemoteIP, rec.RemotePort,
			rec.ParentExe, rec.ParentName, rec.ParentCmdLine, rec.ParentSHA256,
			rec.ConnCount, rec.BytesSent, rec.BytesReceived, rec.LogIgnored,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *RemoteSink) Close() error { return r.db.Close() }

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}
