// Package attempthistory is an ADDED, optional write-behind sink recording
// terminal test attempts for audit. The spec's §3 RetryRecord is described
// as a virtual, in-memory attempt list; §6 "Persisted state" names only the
// run-file/tmp/gen directories. Neither says anything about long-term
// attempt history, but a lab runtime that only remembers attempts in
// memory loses them on restart — this sink fills that silence the way the
// teacher's jobs.Store persists job-run history, never on the hot path of
// a retry decision.
package attempthistory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/marcus-qen/devicelab/internal/labmodel"
)

const queueCapacity = 1024

// Record is one terminal attempt persisted for audit.
type Record struct {
	TestID     string
	JobID      string
	TestName   string
	Result     labmodel.TestResult
	Cause      labmodel.Cause
	Properties map[string]string
	EndedAt    time.Time
}

// Sink is a single-writer SQLite-backed append log. Record enqueues and
// returns immediately; a background goroutine does the actual write.
type Sink struct {
	db     *sql.DB
	logger *zap.Logger
	queue  chan Record
	done   chan struct{}
}

// Open creates (or opens) the attempt history database at dbPath and
// starts the write-behind goroutine.
func Open(dbPath string, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("attempthistory: open db: %w", err)
	}

	// A single pooled connection keeps writes from the background goroutine
	// serialized, matching jobs.Store's single-writer convention for
	// modernc's connection-scoped pragmas.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attempthistory: set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attempthistory: set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS attempts (
		test_id     TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL,
		test_name   TEXT NOT NULL,
		result      TEXT NOT NULL,
		cause_kind  TEXT NOT NULL DEFAULT '',
		error_id    TEXT NOT NULL DEFAULT '',
		properties  TEXT NOT NULL DEFAULT '{}',
		ended_at    TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attempthistory: create table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_attempts_job_test ON attempts(job_id, test_name)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("attempthistory: create index: %w", err)
	}

	s := &Sink{
		db:     db,
		logger: logger.Named("attempthistory"),
		queue:  make(chan Record, queueCapacity),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Record enqueues r for write-behind persistence. If the queue is full the
// record is dropped and logged, rather than blocking the caller — this
// sink is an audit convenience, never a dependency of the retry decision
// itself.
func (s *Sink) Record(r Record) {
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	select {
	case s.queue <- r:
	default:
		s.logger.Warn("attempt history queue full, dropping record",
			zap.String("test_id", r.TestID), zap.String("job_id", r.JobID))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for r := range s.queue {
		if err := s.write(r); err != nil {
			s.logger.Warn("failed to persist attempt record", zap.String("test_id", r.TestID), zap.Error(err))
		}
	}
}

func (s *Sink) write(r Record) error {
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO attempts (test_id, job_id, test_name, result, cause_kind, error_id, properties, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO UPDATE SET
			result=excluded.result, cause_kind=excluded.cause_kind, error_id=excluded.error_id,
			properties=excluded.properties, ended_at=excluded.ended_at`,
		r.TestID, r.JobID, r.TestName, string(r.Result),
		string(r.Cause.Kind), string(r.Cause.ErrorID), string(props),
		r.EndedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListByTest returns every persisted attempt for (jobID, testName), oldest
// first.
func (s *Sink) ListByTest(jobID, testName string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT test_id, job_id, test_name, result, cause_kind, error_id, properties, ended_at
		FROM attempts WHERE job_id = ? AND test_name = ? ORDER BY ended_at ASC`, jobID, testName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var causeKind, errorID, props, endedAt string
		if err := rows.Scan(&r.TestID, &r.JobID, &r.TestName, &r.Result, &causeKind, &errorID, &props, &endedAt); err != nil {
			return nil, err
		}
		r.Cause = labmodel.Cause{Kind: labmodel.CauseKind(causeKind), ErrorID: labmodel.ErrorID(errorID)}
		if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal properties for %s: %w", r.TestID, err)
		}
		endedAtT, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(endedAt))
		if err != nil {
			return nil, err
		}
		r.EndedAt = endedAtT
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close drains the write-behind queue and closes the database.
func (s *Sink) Close() error {
	close(s.queue)
	<-s.done
	return s.db.Close()
}
