package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/osa-gateway/internal/model"
)

// sqliteTimeLayout is fixed-width so stored timestamps compare lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS validation_audit (
	validation_id    TEXT PRIMARY KEY,
	page_id          TEXT NOT NULL,
	widget_id        TEXT NOT NULL,
	gate_kind        TEXT NOT NULL,
	status           TEXT NOT NULL,
	confidence_score INTEGER NOT NULL,
	failure_reason   TEXT,
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	timestamp_utc    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_audit_page ON validation_audit(page_id, widget_id);
CREATE INDEX IF NOT EXISTS idx_validation_audit_ts ON validation_audit(timestamp_utc);

CREATE TABLE IF NOT EXISTS page_gate_status (
	page_id    TEXT NOT NULL,
	gate_kind  TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (page_id, gate_kind)
);

CREATE TABLE IF NOT EXISTS content_hashes (
	content_hash  TEXT PRIMARY KEY,
	page_id       TEXT NOT NULL,
	widget_id     TEXT NOT NULL,
	first_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS page_metrics (
	page_id    TEXT PRIMARY KEY,
	metrics    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_outputs (
	id                TEXT PRIMARY KEY,
	page_id           TEXT NOT NULL,
	widget_id         TEXT NOT NULL,
	version           INTEGER NOT NULL,
	parent_version_id TEXT,
	content_hash      TEXT NOT NULL,
	payload           TEXT NOT NULL,
	audit_trail       TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	UNIQUE (page_id, widget_id, version)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendAuditRecord(ctx context.Context, rec model.AuditRecord) error {
	if rec.ValidationID == "" {
		rec.ValidationID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_audit (validation_id, page_id, widget_id, gate_kind, status, confidence_score, failure_reason, duration_ms, timestamp_utc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ValidationID, rec.PageID, rec.WidgetID, string(rec.GateKind), string(rec.Status),
		rec.ConfidenceScore, sqlNullString(rec.FailureReason), rec.DurationMs, formatTime(rec.Timestamp),
	)
	return eris.Wrapf(err, "sqlite: append audit record %s", rec.ValidationID)
}

func sqliteAuditWhere(filter AuditFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.PageID != "" {
		where += ` AND page_id = ?`
		args = append(args, filter.PageID)
	}
	if filter.WidgetID != "" {
		where += ` AND widget_id = ?`
		args = append(args, filter.WidgetID)
	}
	if filter.Gate != "" {
		where += ` AND gate_kind = ?`
		args = append(args, string(filter.Gate))
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where += ` AND timestamp_utc >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		where += ` AND timestamp_utc < ?`
		args = append(args, formatTime(filter.Until))
	}
	return where, args
}

func (s *SQLiteStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	where, args := sqliteAuditWhere(filter)
	args = append(args, auditLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT validation_id, page_id, widget_id, gate_kind, status, confidence_score, failure_reason, duration_ms, timestamp_utc
		 FROM validation_audit`+where+` ORDER BY timestamp_utc DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit records")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var reason sql.NullString
		var ts string
		if err := rows.Scan(&r.ValidationID, &r.PageID, &r.WidgetID, &r.GateKind, &r.Status,
			&r.ConfidenceScore, &reason, &r.DurationMs, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit record")
		}
		r.FailureReason = reason.String
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit records iterate")
}

func (s *SQLiteStore) SummarizeAudit(ctx context.Context, filter AuditFilter) (AuditSummary, error) {
	where, args := sqliteAuditWhere(filter)

	var sum AuditSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'warning' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(confidence_score), 0.0),
			COALESCE(AVG(duration_ms), 0.0)
		 FROM validation_audit`+where,
		args...,
	).Scan(&sum.Total, &sum.Passed, &sum.Warning, &sum.Failed, &sum.AvgConfidence, &sum.AvgDurationMs)
	if err != nil {
		return AuditSummary{}, eris.Wrap(err, "sqlite: summarize audit")
	}
	return sum, nil
}

func (s *SQLiteStore) ApplyGateStatus(ctx context.Context, pageID string, gate model.GateKind, status model.GateStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO page_gate_status (page_id, gate_kind, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (page_id, gate_kind) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		pageID, string(gate), string(status), formatTime(at),
	)
	return eris.Wrapf(err, "sqlite: apply gate status %s/%s", pageID, gate)
}

func (s *SQLiteStore) GetPageStatus(ctx context.Context, pageID string) (*model.PageValidationStatus, error) {
	statuses, err := s.pageStatuses(ctx, `WHERE page_id = ?`, pageID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}

func (s *SQLiteStore) ListPageStatuses(ctx context.Context) ([]model.PageValidationStatus, error) {
	return s.pageStatuses(ctx, "")
}

func (s *SQLiteStore) pageStatuses(ctx context.Context, where string, args ...any) ([]model.PageValidationStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_id, gate_kind, status, updated_at FROM page_gate_status `+where+` ORDER BY page_id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list page status")
	}
	defer rows.Close()

	var fold pageStatusFolder
	for rows.Next() {
		var pageID, updated string
		var gate model.GateKind
		var status model.GateStatus
		if err := rows.Scan(&pageID, &gate, &status, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan page status")
		}
		at, err := parseTime(updated)
		if err != nil {
			return nil, err
		}
		fold.add(pageID, gate, status, at)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list page status iterate")
	}
	return fold.result(), nil
}

func (s *SQLiteStore) RecordContentHash(ctx context.Context, entry model.DedupEntry) (model.DedupEntry, error) {
	if entry.FirstSeenAt.IsZero() {
		entry.FirstSeenAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO content_hashes (content_hash, page_id, widget_id, first_seen_at) VALUES (?, ?, ?, ?)`,
		entry.ContentHash, entry.PageID, entry.WidgetID, formatTime(entry.FirstSeenAt),
	)
	if err != nil {
		return model.DedupEntry{}, eris.Wrap(err, "sqlite: record content hash")
	}

	var first model.DedupEntry
	var seen string
	err = s.db.QueryRowContext(ctx,
		`SELECT content_hash, page_id, widget_id, first_seen_at FROM content_hashes WHERE content_hash = ?`,
		entry.ContentHash,
	).Scan(&first.ContentHash, &first.PageID, &first.WidgetID, &seen)
	if err != nil {
		return model.DedupEntry{}, eris.Wrap(err, "sqlite: lookup content hash")
	}
	first.FirstSeenAt, err = parseTime(seen)
	return first, err
}

func (s *SQLiteStore) SavePageMetrics(ctx context.Context, pageID string, metrics map[string]float64, at time.Time) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal page metrics")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO page_metrics (page_id, metrics, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (page_id) DO UPDATE SET metrics = excluded.metrics, updated_at = excluded.updated_at`,
		pageID, string(data), formatTime(at),
	)
	return eris.Wrapf(err, "sqlite: save page metrics %s", pageID)
}

func (s *SQLiteStore) GetPageMetrics(ctx context.Context, pageID string) (map[string]float64, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT metrics FROM page_metrics WHERE page_id = ?`, pageID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get page metrics %s", pageID)
	}
	var metrics map[string]float64
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal page metrics")
	}
	return metrics, nil
}

func (s *SQLiteStore) CreateOutputVersion(ctx context.Context, out model.AgentOutputAudit) (*model.AgentOutputAudit, error) {
	out.ID = uuid.New().String()
	out.CreatedAt = time.Now().UTC()

	payloadJSON, trailJSON, err := marshalOutput(out)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal output")
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO agent_outputs (`+outputColumns+`)
		 SELECT ?1, ?2, ?3, COALESCE(MAX(version), 0) + 1, ?4, ?5, ?6, ?7, ?8
		 FROM agent_outputs WHERE page_id = ?2 AND widget_id = ?3
		 RETURNING version`,
		out.ID, out.PageID, out.WidgetID, sqlNullString(out.ParentVersionID), out.ContentHash,
		string(payloadJSON), string(trailJSON), formatTime(out.CreatedAt),
	).Scan(&out.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create output version %s/%s", out.PageID, out.WidgetID)
	}
	return &out, nil
}

func (s *SQLiteStore) GetOutput(ctx context.Context, id string) (*model.AgentOutputAudit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outputColumns+` FROM agent_outputs WHERE id = ?`, id)
	out, err := scanSQLiteOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get output %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get output %s", id)
	}
	return out, nil
}

func (s *SQLiteStore) LatestOutput(ctx context.Context, pageID, widgetID string) (*model.AgentOutputAudit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outputColumns+` FROM agent_outputs WHERE page_id = ? AND widget_id = ? ORDER BY version DESC LIMIT 1`,
		pageID, widgetID,
	)
	out, err := scanSQLiteOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest output %s/%s", pageID, widgetID)
	}
	return out, nil
}

func (s *SQLiteStore) ListOutputVersions(ctx context.Context, pageID, widgetID string) ([]model.AgentOutputAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outputColumns+` FROM agent_outputs WHERE page_id = ? AND widget_id = ? ORDER BY version`,
		pageID, widgetID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list output versions")
	}
	defer rows.Close()

	var out []model.AgentOutputAudit
	for rows.Next() {
		o, err := scanSQLiteOutput(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan output")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list output versions iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteOutput(row scannable) (*model.AgentOutputAudit, error) {
	var o model.AgentOutputAudit
	var parent sql.NullString
	var payloadJSON, trailJSON, created string
	if err := row.Scan(&o.ID, &o.PageID, &o.WidgetID, &o.Version, &parent, &o.ContentHash,
		&payloadJSON, &trailJSON, &created); err != nil {
		return nil, err
	}
	o.ParentVersionID = parent.String
	var err error
	if o.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if err := unmarshalOutput(&o, []byte(payloadJSON), []byte(trailJSON)); err != nil {
		return nil, err
	}
	return &o, nil
}

// helpers

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
