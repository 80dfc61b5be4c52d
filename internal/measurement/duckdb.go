package measurement

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DuckDBStore keeps readings in a DuckDB table.
type DuckDBStore struct {
	db    *sql.DB
	table string
}

// OpenDuckDB opens path (":memory:" for an in-process database) and creates the table if needed.
func OpenDuckDB(ctx context.Context, path, table string) (*DuckDBStore, error) {
	if table == "" {
		table = "readings"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create duckdb dir: %w", err)
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	s := &DuckDBStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DuckDBStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			source       VARCHAR   NOT NULL,
			id           VARCHAR   NOT NULL,
			time         TIMESTAMP NOT NULL,
			pm2_5        DOUBLE    NOT NULL,
			humidity     DOUBLE,
			lat          DOUBLE    NOT NULL,
			lon          DOUBLE    NOT NULL,
			sensor_model VARCHAR,
			region       VARCHAR
		)`)
	if err != nil {
		return fmt.Errorf("create readings table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_`+s.table+`_time ON `+s.table+` (time)`)
	if err != nil {
		return fmt.Errorf("create readings index: %w", err)
	}
	return nil
}

func (s *DuckDBStore) Insert(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+s.table+` (source, id, time, pm2_5, humidity, lat, lon, sensor_model, region) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range readings {
		var hum sql.NullFloat64
		if r.Humidity != nil {
			hum = sql.NullFloat64{Float64: *r.Humidity, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.Source, r.ID, r.Time.UTC(), r.PM25, hum, r.Lat, r.Lon, nullString(r.SensorModel), nullString(r.Region)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert reading: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *DuckDBStore) Query(ctx context.Context, q Query) ([]Reading, error) {
	var (
		where = []string{"time >= ?", "time < ?"}
		args  = []interface{}{q.Start.UTC(), q.End.UTC()}
	)
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if len(q.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if len(q.Regions) > 0 {
		where = append(where, "region IN ("+placeholders(len(q.Regions))+")")
		for _, r := range q.Regions {
			args = append(args, r)
		}
	}
	if e := q.Envelope; e != nil {
		where = append(where, "lat BETWEEN ? AND ?", "lon BETWEEN ? AND ?")
		args = append(args, e.South, e.North, e.West, e.East)
	}
	query := `SELECT source, id, time, pm2_5, humidity, lat, lon, sensor_model, region FROM ` + s.table +
		` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY time, source, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var (
			r     Reading
			hum   sql.NullFloat64
			model sql.NullString
			reg   sql.NullString
		)
		if err := rows.Scan(&r.Source, &r.ID, &r.Time, &r.PM25, &hum, &r.Lat, &r.Lon, &model, &reg); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if hum.Valid {
			h := hum.Float64
			r.Humidity = &h
		}
		r.Time = r.Time.UTC()
		r.SensorModel, r.Region = model.String, reg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
