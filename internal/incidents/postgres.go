package incidents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"codeguard/internal/logger"
	"codeguard/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id               TEXT PRIMARY KEY,
	subject_address  TEXT NOT NULL,
	incident_type    TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	risk_score       INTEGER NOT NULL,
	severity         TEXT NOT NULL,
	detected_by      TEXT NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL,
	action           TEXT NOT NULL,
	action_handle    TEXT NOT NULL DEFAULT '',
	resolved         BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at      TIMESTAMPTZ,
	report_reference TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS incidents_subject_timestamp_idx ON incidents (subject_address, timestamp DESC);
CREATE INDEX IF NOT EXISTS incidents_timestamp_idx ON incidents (timestamp DESC);
`

const incidentColumns = `id, subject_address, incident_type, reason, risk_score, severity, detected_by, timestamp, action, action_handle, resolved, resolved_at, report_reference`

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists incidents in PostgreSQL.
type PostgresStore struct {
	db   pgDB
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", models.ErrStorage, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", models.ErrStorage, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ensure incidents schema: %v", models.ErrStorage, err)
	}
	logger.Infof("Postgres incident store initialized")
	return &PostgresStore{db: pool, pool: pool}, nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, inc *models.Incident) error {
	if err := validateIncident(inc); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `INSERT INTO incidents (`+incidentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inc.ID, inc.SubjectAddress, inc.IncidentType, inc.Reason, inc.RiskScore, string(inc.Severity),
		inc.DetectedBy, inc.Timestamp.UTC(), inc.Action, inc.ActionHandle, inc.Resolved,
		nullTime(inc.ResolvedAt), inc.ReportReference)
	if err != nil {
		return fmt.Errorf("%w: insert incident %s: %v", models.ErrStorage, inc.ID, err)
	}
	return nil
}

// List implements Store, newest first.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]models.Incident, error) {
	q, err := NormalizeQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT `+incidentColumns+` FROM incidents
WHERE ($1 = '' OR subject_address = $1)
ORDER BY timestamp DESC, id DESC
LIMIT $2`, q.Subject, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list incidents: %v", models.ErrStorage, err)
	}
	defer rows.Close()

	out := make([]models.Incident, 0, q.Limit)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan incident: %v", models.ErrStorage, err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list incidents: %v", models.ErrStorage, err)
	}
	return out, nil
}

// Resolve implements Store.
func (s *PostgresStore) Resolve(ctx context.Context, id string, at time.Time) (*models.Incident, error) {
	row := s.db.QueryRow(ctx, `UPDATE incidents SET resolved = TRUE, resolved_at = $2
WHERE id = $1 AND resolved = FALSE
RETURNING `+incidentColumns, id, at.UTC())
	inc, err := scanIncident(row)
	if err == nil {
		return inc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: resolve incident %s: %v", models.ErrStorage, id, err)
	}

	var resolved bool
	err = s.db.QueryRow(ctx, `SELECT resolved FROM incidents WHERE id = $1`, id).Scan(&resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: incident %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve incident %s: %v", models.ErrStorage, id, err)
	}
	return nil, fmt.Errorf("%w: incident %s already resolved", models.ErrConflict, id)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanIncident(row pgx.Row) (*models.Incident, error) {
	var inc models.Incident
	var severity string
	var resolvedAt *time.Time
	if err := row.Scan(&inc.ID, &inc.SubjectAddress, &inc.IncidentType, &inc.Reason, &inc.RiskScore, &severity,
		&inc.DetectedBy, &inc.Timestamp, &inc.Action, &inc.ActionHandle, &inc.Resolved, &resolvedAt,
		&inc.ReportReference); err != nil {
		return nil, err
	}
	inc.Severity = models.Severity(severity)
	inc.Timestamp = inc.Timestamp.UTC()
	if resolvedAt != nil {
		inc.ResolvedAt = resolvedAt.UTC()
	}
	return &inc, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
