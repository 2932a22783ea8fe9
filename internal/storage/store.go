package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ncu-collector/internal/telemetry/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNoBackend is returned when neither engine can be reached.
	ErrNoBackend = errors.New("storage: no backend available")
	// ErrSchema wraps schema creation failures.
	ErrSchema = errors.New("storage: schema")

	errNotConnected = errors.New("not connected")
)

// Backend is the storage contract shared by the poller and the backfill walker.
type Backend interface {
	Dialect() Dialect
	EnsureConnected(ctx context.Context) error
	Reconnect(ctx context.Context) error
	CreateSchema(ctx context.Context) error
	MigrateSchema(ctx context.Context) error
	InsertSnapshotBatch(ctx context.Context, rows []telemetry.Snapshot) (int, error)
	InsertStatusBatch(ctx context.Context, rows []telemetry.StatusRecord) (int, error)
	StatusIDsExist(ctx context.Context, ids []string) (map[string]struct{}, error)
	InsertTracking(ctx context.Context, rec telemetry.TrackingRecord) error
	CollectionStats(ctx context.Context, now time.Time, recent int) (telemetry.CollectionStats, error)
	CountFailedTracking(ctx context.Context, since time.Time) (int, error)
	Close() error
}

var _ Backend = (*Store)(nil)

// Store is a Backend over a single database/sql connection. All operations
// are serialised by one mutex.
type Store struct {
	dialect        Dialect
	dsn            string
	connectTimeout time.Duration
	logger         zerolog.Logger

	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn
}

func newStore(dialect Dialect, dsn string, connectTimeout time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		dialect:        dialect,
		dsn:            dsn,
		connectTimeout: connectTimeout,
		logger:         logger.With().Str("dialect", dialect.String()).Logger(),
	}
}

// Dialect returns the engine selected at Open.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// EnsureConnected health-checks the connection and reconnects if it is dead.
func (s *Store) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		var one int
		err := s.conn.QueryRowContext(pingCtx, "SELECT 1").Scan(&one)
		cancel()
		if err == nil {
			return nil
		}
		s.logger.Warn().Err(err).Msg("storage health check failed, reconnecting")
	}
	return s.reconnectLocked(ctx)
}

// Reconnect drops the current connection and opens a new one on the same engine.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectLocked(ctx)
}

// Close releases the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) reconnectLocked(ctx context.Context) error {
	_ = s.closeLocked()
	if err := s.connectLocked(ctx); err != nil {
		return &telemetry.StorageError{Kind: telemetry.StorageConnectionLost, Err: err}
	}
	s.logger.Info().Msg("storage reconnected")
	return nil
}

func (s *Store) connectLocked(ctx context.Context) error {
	db, err := sql.Open(s.dialect.driverName(), s.dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.dialect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	conn, err := db.Conn(connectCtx)
	if err != nil {
		db.Close()
		return fmt.Errorf("connect %s: %w", s.dialect, err)
	}
	if err := conn.PingContext(connectCtx); err != nil {
		conn.Close()
		db.Close()
		return fmt.Errorf("ping %s: %w", s.dialect, err)
	}
	if s.dialect == DialectSQLite {
		if _, err := conn.ExecContext(connectCtx, "PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			db.Close()
			return fmt.Errorf("configure sqlite: %w", err)
		}
	}
	s.db = db
	s.conn = conn
	return nil
}

func (s *Store) closeLocked() error {
	var errs []error
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}

func (s *Store) connLocked() (*sql.Conn, error) {
	if s.conn == nil {
		return nil, &telemetry.StorageError{Kind: telemetry.StorageConnectionLost, Err: errNotConnected}
	}
	return s.conn, nil
}
