package storage

import (
	"context"
	"fmt"
)

const (
	snapshotTable = "ncu_data"
	trackingTable = "data_collection_tracking"
	statusTable   = "tcu_overview"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS ncu_data (
		id BIGSERIAL PRIMARY KEY,
		timestamp BIGINT NOT NULL,
		date_time TIMESTAMPTZ NOT NULL,
		project VARCHAR(255),
		ncu VARCHAR(255),
		user_id INTEGER,
		ncu_id INTEGER,
		alarm INTEGER,
		battery_alarm INTEGER,
		battery_warning INTEGER,
		warning_count INTEGER,
		master_mode INTEGER,
		manual_mode INTEGER,
		ok_status INTEGER,
		communication_error INTEGER,
		inactive_tcu INTEGER,
		max_wind_speed NUMERIC(10,2),
		avg_wind_speed NUMERIC(10,2),
		raw_data TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ncu_data_timestamp ON ncu_data (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_ncu_data_project_ncu ON ncu_data (project, ncu)`,
	`CREATE INDEX IF NOT EXISTS idx_ncu_data_date_time ON ncu_data (date_time)`,
	`CREATE TABLE IF NOT EXISTS data_collection_tracking (
		id BIGSERIAL PRIMARY KEY,
		collection_time TIMESTAMPTZ NOT NULL,
		timestamp BIGINT NOT NULL,
		records_collected INTEGER NOT NULL DEFAULT 0,
		records_inserted INTEGER NOT NULL DEFAULT 0,
		excluded_records INTEGER DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT,
		collection_duration NUMERIC(10,3) DEFAULT 0.0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_collection_time ON data_collection_tracking (collection_time)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_timestamp ON data_collection_tracking (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tcu_overview (
		id VARCHAR(255) PRIMARY KEY,
		project_name VARCHAR(255) NOT NULL,
		tcu_id VARCHAR(255),
		actual_angle DOUBLE PRECISION,
		target_angle DOUBLE PRECISION,
		status_name VARCHAR(64),
		alarm INTEGER,
		manual_mode INTEGER,
		tcu_rows INTEGER,
		wind_speed DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tcu_overview_created_at ON tcu_overview (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tcu_overview_project ON tcu_overview (project_name, created_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ncu_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		date_time DATETIME NOT NULL,
		project TEXT,
		ncu TEXT,
		user_id INTEGER,
		ncu_id INTEGER,
		alarm INTEGER,
		battery_alarm INTEGER,
		battery_warning INTEGER,
		warning_count INTEGER,
		master_mode INTEGER,
		manual_mode INTEGER,
		ok_status INTEGER,
		communication_error INTEGER,
		inactive_tcu INTEGER,
		max_wind_speed REAL,
		avg_wind_speed REAL,
		raw_data TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ncu_data_timestamp ON ncu_data (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_ncu_data_project_ncu ON ncu_data (project, ncu)`,
	`CREATE INDEX IF NOT EXISTS idx_ncu_data_date_time ON ncu_data (date_time)`,
	`CREATE TABLE IF NOT EXISTS data_collection_tracking (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_time DATETIME NOT NULL,
		timestamp INTEGER NOT NULL,
		records_collected INTEGER NOT NULL DEFAULT 0,
		records_inserted INTEGER NOT NULL DEFAULT 0,
		excluded_records INTEGER DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT 0,
		error_message TEXT,
		collection_duration REAL DEFAULT 0.0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_collection_time ON data_collection_tracking (collection_time)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_timestamp ON data_collection_tracking (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tcu_overview (
		id TEXT PRIMARY KEY,
		project_name TEXT NOT NULL,
		tcu_id TEXT,
		actual_angle REAL,
		target_angle REAL,
		status_name TEXT,
		alarm INTEGER,
		manual_mode INTEGER,
		tcu_rows INTEGER,
		wind_speed REAL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tcu_overview_created_at ON tcu_overview (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tcu_overview_project ON tcu_overview (project_name, created_at)`,
}

// additiveColumn is a column that older deployments may lack.
type additiveColumn struct {
	table        string
	column       string
	postgresType string
	sqliteType   string
}

var additiveColumns = []additiveColumn{
	{table: trackingTable, column: "excluded_records", postgresType: "INTEGER DEFAULT 0", sqliteType: "INTEGER DEFAULT 0"},
	{table: trackingTable, column: "error_message", postgresType: "TEXT", sqliteType: "TEXT"},
	{table: trackingTable, column: "collection_duration", postgresType: "NUMERIC(10,3) DEFAULT 0.0", sqliteType: "REAL DEFAULT 0.0"},
	{table: snapshotTable, column: "raw_data", postgresType: "TEXT", sqliteType: "TEXT"},
}

// CreateSchema creates tables and indexes if absent. Safe to repeat.
func (s *Store) CreateSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return err
	}
	stmts := sqliteSchema
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrSchema, wrap(err))
		}
	}
	return nil
}

// MigrateSchema adds missing additive columns with their defaults. Existing
// columns are never altered or dropped.
func (s *Store) MigrateSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return err
	}
	cache := map[string]map[string]struct{}{}
	for _, col := range additiveColumns {
		existing, ok := cache[col.table]
		if !ok {
			existing, err = s.columnsLocked(ctx, col.table)
			if err != nil {
				return fmt.Errorf("%w: inspect %s: %v", ErrSchema, col.table, wrap(err))
			}
			cache[col.table] = existing
		}
		if _, ok := existing[col.column]; ok {
			continue
		}
		colType := col.sqliteType
		if s.dialect == DialectPostgres {
			colType = col.postgresType
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.column, colType)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: add %s.%s: %v", ErrSchema, col.table, col.column, wrap(err))
		}
		existing[col.column] = struct{}{}
		s.logger.Info().Str("table", col.table).Str("column", col.column).Msg("schema column added")
	}
	return nil
}

func (s *Store) columnsLocked(ctx context.Context, table string) (map[string]struct{}, error) {
	query := "SELECT name FROM pragma_table_info(?)"
	if s.dialect == DialectPostgres {
		query = "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1"
	}
	rows, err := s.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}
