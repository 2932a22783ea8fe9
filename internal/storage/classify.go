package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ncu-collector/internal/telemetry/domain"
)

// Classify maps a driver error to a storage error kind.
func Classify(err error) telemetry.StorageErrorKind {
	if err == nil {
		return ""
	}
	var storageErr *telemetry.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Kind
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if kind := classifySQLState(pgErr.Code); kind != telemetry.StorageOther {
			return kind
		}
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		if kind := classifySQLiteCode(liteErr.Code()); kind != telemetry.StorageOther {
			return kind
		}
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return telemetry.StorageConnectionLost
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return telemetry.StorageConnectionLost
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return telemetry.StorageConnectionLost
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "extended protocol limited to 65535 parameters"),
		strings.Contains(msg, "too many sql variables"),
		strings.Contains(msg, "string or blob too big"),
		strings.Contains(msg, "packet too large"):
		return telemetry.StoragePayloadTooLarge
	case strings.Contains(msg, "conn closed"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "server closed the connection"):
		return telemetry.StorageConnectionLost
	}
	return telemetry.StorageOther
}

func classifySQLState(code string) telemetry.StorageErrorKind {
	switch {
	case code == "54000" || code == "54001":
		return telemetry.StoragePayloadTooLarge
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		return telemetry.StorageConnectionLost
	case strings.HasPrefix(code, "23"):
		return telemetry.StorageConstraint
	case strings.HasPrefix(code, "42"):
		return telemetry.StorageSchema
	}
	return telemetry.StorageOther
}

func classifySQLiteCode(code int) telemetry.StorageErrorKind {
	switch code & 0xff {
	case sqlite3.SQLITE_TOOBIG:
		return telemetry.StoragePayloadTooLarge
	case sqlite3.SQLITE_CONSTRAINT:
		return telemetry.StorageConstraint
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
		return telemetry.StorageConnectionLost
	}
	return telemetry.StorageOther
}

// wrap classifies err into a *telemetry.StorageError.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var storageErr *telemetry.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return &telemetry.StorageError{Kind: Classify(err), Err: err}
}
