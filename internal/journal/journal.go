package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Request is the top-level journal row for one voice request.
type Request struct {
	RequestID string
	SessionID string
	Kind      string
	Language  string
	CreatedAt time.Time
}

// Stage records one step of a request: a pipeline stage or a
// recognition attempt, with its outcome and timing.
type Stage struct {
	ID         int64
	RequestID  string
	Stage      string
	Outcome    string
	Detail     string
	DurationMS int64
	CreatedAt  time.Time
}

// Journal wraps a SQLite-backed audit trail of voice requests. In
// ephemeral mode every write is a no-op; the pipeline itself never
// retains audio or text beyond the request.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := j.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    session_id TEXT,
    kind TEXT,
    language TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS stages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    stage TEXT,
    outcome TEXT,
    detail TEXT,
    duration_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_stages_request_created ON stages(request_id, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) vacuum(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// TextAllowed reports whether transcript and synthesis text may be
// written into stage details. Any scope other than "full" keeps the
// journal to outcomes and timings.
func (j *Journal) TextAllowed() bool {
	return j.cfg.PrivacyScope == "full"
}

// BeginRequest ensures a request row exists.
func (j *Journal) BeginRequest(ctx context.Context, req Request) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, session_id, kind, language, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET session_id=excluded.session_id, kind=excluded.kind, language=excluded.language`,
		req.RequestID, req.SessionID, req.Kind, req.Language, req.CreatedAt)
	return err
}

// AppendStage writes a stage record for a request.
func (j *Journal) AppendStage(ctx context.Context, st Stage) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO stages(request_id, stage, outcome, detail, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		st.RequestID, st.Stage, st.Outcome, st.Detail, st.DurationMS, st.CreatedAt)
	return err
}

// ListStages retrieves up to limit stages for a request ordered ascending by time.
func (j *Journal) ListStages(ctx context.Context, requestID string, limit int) ([]Stage, error) {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, request_id, stage, outcome, detail, duration_ms, created_at
		 FROM stages WHERE request_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		var created string
		if err := rows.Scan(&st.ID, &st.RequestID, &st.Stage, &st.Outcome, &st.Detail, &st.DurationMS, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			st.CreatedAt = ts
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (j *Journal) Prune(ctx context.Context) error {
	if j.cfg.RetentionMode == "ephemeral" || j.db == nil {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.cfg.RetentionMode != "persistent" && j.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM stages WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if j.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure verifies the ephemeral mode carries no database handle.
func (j *Journal) Ensure() error {
	if j.cfg.RetentionMode == "ephemeral" && j.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
