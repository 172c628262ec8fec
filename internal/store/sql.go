package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"iocingest/internal/ioc"
)

var ErrUnsupportedGroup = errors.New("unsupported group field")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const columns = `fingerprint, type, value, source, description, observed_count,
	first_seen, last_seen, severity, severity_score, confidence, tags, raw, created_at, updated_at`

const upsertQuery = `INSERT INTO indicators (` + columns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (fingerprint) DO UPDATE SET
	description = excluded.description,
	last_seen = CASE WHEN excluded.last_seen > indicators.last_seen THEN excluded.last_seen ELSE indicators.last_seen END,
	severity = excluded.severity,
	severity_score = excluded.severity_score,
	confidence = excluded.confidence,
	tags = excluded.tags,
	raw = excluded.raw,
	updated_at = excluded.updated_at`

const incrementQuery = `UPDATE indicators SET
	observed_count = observed_count + 1,
	last_seen = CASE WHEN ? > last_seen THEN ? ELSE last_seen END,
	updated_at = ?
WHERE fingerprint IN (?)`

func schema(driver string) string {
	ts, blob := "TIMESTAMP", "BLOB"
	if driver == DriverPostgres {
		ts, blob = "TIMESTAMPTZ", "BYTEA"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS indicators (
	fingerprint TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	value TEXT NOT NULL,
	source TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	observed_count INTEGER NOT NULL DEFAULT 1,
	first_seen %[1]s NOT NULL,
	last_seen %[1]s NOT NULL,
	severity TEXT NOT NULL,
	severity_score INTEGER NOT NULL,
	confidence INTEGER NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	raw %[2]s,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_indicators_source ON indicators (source);
CREATE INDEX IF NOT EXISTS idx_indicators_severity ON indicators (severity);
CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators (last_seen);`, ts, blob)
}

// SQL is an ioc.Store backed by a relational database.
type SQL struct {
	db *sqlx.DB
}

// Open connects to driver/dsn and makes sure the schema exists.
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s := NewSQL(db)
	if err := s.EnsureSchema(ctx, driver); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an existing handle. The schema is not touched.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) DB() *sqlx.DB { return s.db }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) EnsureSchema(ctx context.Context, driver string) error {
	for _, stmt := range strings.Split(schema(driver), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type row struct {
	ioc.Record
	TagsJSON string `db:"tags"`
}

func (r row) record() ioc.Record {
	rec := r.Record
	_ = json.Unmarshal([]byte(r.TagsJSON), &rec.Tags)
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.LastSeen = rec.LastSeen.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec
}

func where(f ioc.Filter) (string, []any, error) {
	var conds []string
	var args []any
	if len(f.Fingerprints) > 0 {
		q, a, err := sqlx.In("fingerprint IN (?)", f.Fingerprints)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, q)
		args = append(args, a...)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "last_seen >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "last_seen < ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (s *SQL) Find(ctx context.Context, f ioc.Filter) ([]ioc.Record, error) {
	w, args, err := where(f)
	if err != nil {
		return nil, err
	}
	q := "SELECT " + columns + " FROM indicators" + w + " ORDER BY last_seen DESC, fingerprint"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("find indicators: %w", err)
	}
	out := make([]ioc.Record, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

func (s *SQL) FindOne(ctx context.Context, fingerprint string) (ioc.Record, bool, error) {
	var r row
	q := s.db.Rebind("SELECT " + columns + " FROM indicators WHERE fingerprint = ?")
	err := s.db.GetContext(ctx, &r, q, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return ioc.Record{}, false, nil
	}
	if err != nil {
		return ioc.Record{}, false, fmt.Errorf("find indicator: %w", err)
	}
	return r.record(), true, nil
}

func (s *SQL) Count(ctx context.Context, f ioc.Filter) (int, error) {
	w, args, err := where(f)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM indicators"+w), args...); err != nil {
		return 0, fmt.Errorf("count indicators: %w", err)
	}
	return n, nil
}

func (s *SQL) CountBy(ctx context.Context, field ioc.GroupField) (map[string]int, error) {
	if err := checkGroup(field); err != nil {
		return nil, err
	}
	col := string(field)
	var groups []struct {
		Key string `db:"k"`
		N   int    `db:"n"`
	}
	q := fmt.Sprintf("SELECT %s AS k, COUNT(*) AS n FROM indicators GROUP BY %s", col, col)
	if err := s.db.SelectContext(ctx, &groups, q); err != nil {
		return nil, fmt.Errorf("count by %s: %w", col, err)
	}
	out := make(map[string]int, len(groups))
	for _, g := range groups {
		out[g.Key] = g.N
	}
	return out, nil
}

// Upsert writes all records in one transaction.
func (s *SQL) Upsert(ctx context.Context, records []ioc.Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertQuery))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for _, r := range records {
		tags, err := json.Marshal(nonNil(r.Tags))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.Fingerprint, string(r.Type), r.Value, r.Source, r.Description, r.ObservedCount,
			r.FirstSeen.UTC(), r.LastSeen.UTC(), string(r.Severity), r.SeverityScore, r.Confidence,
			string(tags), r.Raw, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", r.Fingerprint, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) Increment(ctx context.Context, fingerprints []string, seenAt time.Time) error {
	if len(fingerprints) == 0 {
		return nil
	}
	seenAt = seenAt.UTC()
	q, args, err := sqlx.In(incrementQuery, seenAt, seenAt, seenAt, fingerprints)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("increment: %w", err)
	}
	return nil
}

func checkGroup(field ioc.GroupField) error {
	switch field {
	case ioc.GroupBySource, ioc.GroupByType, ioc.GroupBySeverity:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedGroup, field)
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
