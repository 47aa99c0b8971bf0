package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/osa-gateway/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS validation_audit (
	validation_id    TEXT PRIMARY KEY,
	page_id          TEXT NOT NULL,
	widget_id        TEXT NOT NULL,
	gate_kind        TEXT NOT NULL,
	status           TEXT NOT NULL,
	confidence_score INTEGER NOT NULL,
	failure_reason   TEXT,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	timestamp_utc    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_validation_audit_page ON validation_audit(page_id, widget_id);
CREATE INDEX IF NOT EXISTS idx_validation_audit_ts ON validation_audit(timestamp_utc DESC);

CREATE TABLE IF NOT EXISTS page_gate_status (
	page_id    TEXT NOT NULL,
	gate_kind  TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (page_id, gate_kind)
);

CREATE TABLE IF NOT EXISTS content_hashes (
	content_hash  TEXT PRIMARY KEY,
	page_id       TEXT NOT NULL,
	widget_id     TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS page_metrics (
	page_id    TEXT PRIMARY KEY,
	metrics    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_outputs (
	id                TEXT PRIMARY KEY,
	page_id           TEXT NOT NULL,
	widget_id         TEXT NOT NULL,
	version           INTEGER NOT NULL,
	parent_version_id TEXT,
	content_hash      TEXT NOT NULL,
	payload           JSONB NOT NULL,
	audit_trail       JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (page_id, widget_id, version)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) AppendAuditRecord(ctx context.Context, rec model.AuditRecord) error {
	if rec.ValidationID == "" {
		rec.ValidationID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO validation_audit (validation_id, page_id, widget_id, gate_kind, status, confidence_score, failure_reason, duration_ms, timestamp_utc)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ValidationID, rec.PageID, rec.WidgetID, string(rec.GateKind), string(rec.Status),
		rec.ConfidenceScore, nullString(rec.FailureReason), rec.DurationMs, rec.Timestamp.UTC(),
	)
	return eris.Wrapf(err, "postgres: append audit record %s", rec.ValidationID)
}

// auditWhere renders filter into a WHERE clause with positional args.
func auditWhere(filter AuditFilter) (string, []any) {
	where := ` WHERE true`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(cond, len(args))
	}
	if filter.PageID != "" {
		add(` AND page_id = $%d`, filter.PageID)
	}
	if filter.WidgetID != "" {
		add(` AND widget_id = $%d`, filter.WidgetID)
	}
	if filter.Gate != "" {
		add(` AND gate_kind = $%d`, string(filter.Gate))
	}
	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add(` AND timestamp_utc >= $%d`, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add(` AND timestamp_utc < $%d`, filter.Until.UTC())
	}
	return where, args
}

func (s *PostgresStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	where, args := auditWhere(filter)
	args = append(args, auditLimit(filter.Limit))
	query := `SELECT validation_id, page_id, widget_id, gate_kind, status, confidence_score, failure_reason, duration_ms, timestamp_utc
		FROM validation_audit` + where + fmt.Sprintf(` ORDER BY timestamp_utc DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit records")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var gate, status string
		var reason *string
		if err := rows.Scan(&r.ValidationID, &r.PageID, &r.WidgetID, &gate, &status,
			&r.ConfidenceScore, &reason, &r.DurationMs, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit record")
		}
		r.GateKind = model.GateKind(gate)
		r.Status = model.GateStatus(status)
		if reason != nil {
			r.FailureReason = *reason
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit records iterate")
}

func (s *PostgresStore) SummarizeAudit(ctx context.Context, filter AuditFilter) (AuditSummary, error) {
	where, args := auditWhere(filter)
	query := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE status = 'passed'),
		COUNT(*) FILTER (WHERE status = 'warning'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COALESCE(AVG(confidence_score), 0)::float8,
		COALESCE(AVG(duration_ms), 0)::float8
		FROM validation_audit` + where

	var sum AuditSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.Total, &sum.Passed, &sum.Warning, &sum.Failed, &sum.AvgConfidence, &sum.AvgDurationMs,
	)
	if err != nil {
		return AuditSummary{}, eris.Wrap(err, "postgres: summarize audit")
	}
	return sum, nil
}

func (s *PostgresStore) ApplyGateStatus(ctx context.Context, pageID string, gate model.GateKind, status model.GateStatus, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO page_gate_status (page_id, gate_kind, status, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (page_id, gate_kind) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		pageID, string(gate), string(status), at.UTC(),
	)
	return eris.Wrapf(err, "postgres: apply gate status %s/%s", pageID, gate)
}

func (s *PostgresStore) GetPageStatus(ctx context.Context, pageID string) (*model.PageValidationStatus, error) {
	statuses, err := s.pageStatuses(ctx, `WHERE page_id = $1`, pageID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	return &statuses[0], nil
}

func (s *PostgresStore) ListPageStatuses(ctx context.Context) ([]model.PageValidationStatus, error) {
	return s.pageStatuses(ctx, "")
}

func (s *PostgresStore) pageStatuses(ctx context.Context, where string, args ...any) ([]model.PageValidationStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT page_id, gate_kind, status, updated_at FROM page_gate_status `+where+` ORDER BY page_id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list page status")
	}
	defer rows.Close()

	var fold pageStatusFolder
	for rows.Next() {
		var pageID, gate, status string
		var updated time.Time
		if err := rows.Scan(&pageID, &gate, &status, &updated); err != nil {
			return nil, eris.Wrap(err, "postgres: scan page status")
		}
		fold.add(pageID, model.GateKind(gate), model.GateStatus(status), updated)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list page status iterate")
	}
	return fold.result(), nil
}

func (s *PostgresStore) RecordContentHash(ctx context.Context, entry model.DedupEntry) (model.DedupEntry, error) {
	if entry.FirstSeenAt.IsZero() {
		entry.FirstSeenAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO content_hashes (content_hash, page_id, widget_id, first_seen_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (content_hash) DO NOTHING`,
		entry.ContentHash, entry.PageID, entry.WidgetID, entry.FirstSeenAt.UTC(),
	)
	if err != nil {
		return model.DedupEntry{}, eris.Wrap(err, "postgres: record content hash")
	}

	var first model.DedupEntry
	err = s.pool.QueryRow(ctx,
		`SELECT content_hash, page_id, widget_id, first_seen_at FROM content_hashes WHERE content_hash = $1`,
		entry.ContentHash,
	).Scan(&first.ContentHash, &first.PageID, &first.WidgetID, &first.FirstSeenAt)
	if err != nil {
		return model.DedupEntry{}, eris.Wrap(err, "postgres: lookup content hash")
	}
	return first, nil
}

func (s *PostgresStore) SavePageMetrics(ctx context.Context, pageID string, metrics map[string]float64, at time.Time) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal page metrics")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO page_metrics (page_id, metrics, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (page_id) DO UPDATE SET metrics = EXCLUDED.metrics, updated_at = EXCLUDED.updated_at`,
		pageID, data, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: save page metrics %s", pageID)
}

func (s *PostgresStore) GetPageMetrics(ctx context.Context, pageID string) (map[string]float64, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT metrics FROM page_metrics WHERE page_id = $1`, pageID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get page metrics %s", pageID)
	}
	var metrics map[string]float64
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal page metrics")
	}
	return metrics, nil
}

const outputColumns = `id, page_id, widget_id, version, parent_version_id, content_hash, payload, audit_trail, created_at`

func (s *PostgresStore) CreateOutputVersion(ctx context.Context, out model.AgentOutputAudit) (*model.AgentOutputAudit, error) {
	out.ID = uuid.New().String()
	out.CreatedAt = time.Now().UTC()

	payloadJSON, trailJSON, err := marshalOutput(out)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal output")
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO agent_outputs (`+outputColumns+`)
		 SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6, $7, $8
		 FROM agent_outputs WHERE page_id = $2 AND widget_id = $3
		 RETURNING version`,
		out.ID, out.PageID, out.WidgetID, nullString(out.ParentVersionID), out.ContentHash,
		payloadJSON, trailJSON, out.CreatedAt,
	).Scan(&out.Version)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create output version %s/%s", out.PageID, out.WidgetID)
	}
	return &out, nil
}

func (s *PostgresStore) GetOutput(ctx context.Context, id string) (*model.AgentOutputAudit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+outputColumns+` FROM agent_outputs WHERE id = $1`, id)
	out, err := scanPostgresOutput(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get output %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get output %s", id)
	}
	return out, nil
}

func (s *PostgresStore) LatestOutput(ctx context.Context, pageID, widgetID string) (*model.AgentOutputAudit, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outputColumns+` FROM agent_outputs WHERE page_id = $1 AND widget_id = $2 ORDER BY version DESC LIMIT 1`,
		pageID, widgetID,
	)
	out, err := scanPostgresOutput(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest output %s/%s", pageID, widgetID)
	}
	return out, nil
}

func (s *PostgresStore) ListOutputVersions(ctx context.Context, pageID, widgetID string) ([]model.AgentOutputAudit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outputColumns+` FROM agent_outputs WHERE page_id = $1 AND widget_id = $2 ORDER BY version`,
		pageID, widgetID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list output versions")
	}
	defer rows.Close()

	var out []model.AgentOutputAudit
	for rows.Next() {
		o, err := scanPostgresOutput(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan output")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list output versions iterate")
}

func scanPostgresOutput(row pgx.Row) (*model.AgentOutputAudit, error) {
	var o model.AgentOutputAudit
	var parent *string
	var payloadJSON, trailJSON []byte
	if err := row.Scan(&o.ID, &o.PageID, &o.WidgetID, &o.Version, &parent, &o.ContentHash,
		&payloadJSON, &trailJSON, &o.CreatedAt); err != nil {
		return nil, err
	}
	if parent != nil {
		o.ParentVersionID = *parent
	}
	if err := unmarshalOutput(&o, payloadJSON, trailJSON); err != nil {
		return nil, err
	}
	return &o, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
