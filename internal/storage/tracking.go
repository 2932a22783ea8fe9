package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"ncu-collector/internal/telemetry/domain"
)

// InsertTracking appends one poll-cycle tracking row.
func (s *Store) InsertTracking(ctx context.Context, rec telemetry.TrackingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (collection_time, timestamp, records_collected, records_inserted, excluded_records, success, error_message, collection_duration) VALUES %s`,
		trackingTable, s.dialect.valuesClause(1, 8))

	var errMsg sql.NullString
	if rec.ErrorMessage != "" {
		errMsg = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}
	duration := math.Round(rec.Duration.Seconds()*1000) / 1000
	_, err = conn.ExecContext(ctx, query,
		rec.CollectionTime.UTC(),
		rec.PollTimestamp,
		rec.RecordsSeen,
		rec.RecordsInserted,
		rec.RecordsExcluded,
		rec.Success,
		errMsg,
		duration,
	)
	return wrap(err)
}

// CountFailedTracking counts failed cycles polled at or after since.
func (s *Store) CountFailedTracking(ctx context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE success = %s AND timestamp >= %s",
		trackingTable, s.dialect.placeholder(1), s.dialect.placeholder(2))
	var count int
	if err := conn.QueryRowContext(ctx, query, false, since.UnixMilli()).Scan(&count); err != nil {
		return 0, wrap(err)
	}
	return count, nil
}

// CollectionStats summarises successful cycles and returns the latest attempts.
func (s *Store) CollectionStats(ctx context.Context, now time.Time, recent int) (telemetry.CollectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return telemetry.CollectionStats{}, err
	}
	if recent <= 0 {
		recent = 10
	}
	p1, p2 := s.dialect.placeholder(1), s.dialect.placeholder(2)

	var stats telemetry.CollectionStats
	if err := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE success = %s", trackingTable, p1),
		true,
	).Scan(&stats.TotalSuccessful); err != nil {
		return telemetry.CollectionStats{}, wrap(err)
	}
	if err := conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE success = %s AND timestamp >= %s", trackingTable, p1, p2),
		true, now.Add(-24*time.Hour).UnixMilli(),
	).Scan(&stats.Last24h); err != nil {
		return telemetry.CollectionStats{}, wrap(err)
	}

	last, err := queryTracking(ctx, conn,
		fmt.Sprintf("%s WHERE success = %s ORDER BY timestamp DESC, id DESC LIMIT 1", trackingSelect, p1), true)
	if err != nil {
		return telemetry.CollectionStats{}, err
	}
	if len(last) > 0 {
		stats.LastSuccess = &last[0]
	}

	stats.Recent, err = queryTracking(ctx, conn,
		fmt.Sprintf("%s ORDER BY timestamp DESC, id DESC LIMIT %s", trackingSelect, p1), recent)
	if err != nil {
		return telemetry.CollectionStats{}, err
	}
	return stats, nil
}

const trackingSelect = "SELECT collection_time, timestamp, records_collected, records_inserted, excluded_records, success, error_message, collection_duration FROM " + trackingTable

func queryTracking(ctx context.Context, conn *sql.Conn, query string, args ...any) ([]telemetry.TrackingRecord, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []telemetry.TrackingRecord
	for rows.Next() {
		var (
			rec      telemetry.TrackingRecord
			excluded sql.NullInt64
			errMsg   sql.NullString
			duration sql.NullFloat64
		)
		if err := rows.Scan(&rec.CollectionTime, &rec.PollTimestamp, &rec.RecordsSeen, &rec.RecordsInserted, &excluded, &rec.Success, &errMsg, &duration); err != nil {
			return nil, wrap(err)
		}
		rec.RecordsExcluded = int(excluded.Int64)
		rec.ErrorMessage = errMsg.String
		rec.Duration = time.Duration(duration.Float64 * float64(time.Second))
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}
