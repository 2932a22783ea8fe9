package storage

import (
	"context"
	"fmt"
	"strings"

	"ncu-collector/internal/telemetry/domain"
)

var snapshotColumns = []string{
	"timestamp", "date_time", "project", "ncu", "user_id", "ncu_id",
	"alarm", "battery_alarm", "battery_warning", "warning_count",
	"master_mode", "manual_mode", "ok_status", "communication_error",
	"inactive_tcu", "max_wind_speed", "avg_wind_speed", "raw_data",
}

// InsertSnapshotBatch writes rows with one multi-row INSERT.
func (s *Store) InsertSnapshotBatch(ctx context.Context, rows []telemetry.Snapshot) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		snapshotTable,
		strings.Join(snapshotColumns, ", "),
		s.dialect.valuesClause(len(rows), len(snapshotColumns)),
	)
	args := make([]any, 0, len(rows)*len(snapshotColumns))
	for _, r := range rows {
		args = append(args,
			r.PollTimestamp,
			r.CapturedAt.UTC(),
			r.Project,
			r.UnitID,
			r.UserRef,
			r.UnitRef,
			r.Alarm,
			r.BatteryAlarm,
			r.BatteryWarning,
			r.WarningCount,
			r.MasterMode,
			r.ManualMode,
			r.OKStatus,
			r.CommError,
			r.Inactive,
			r.MaxWind,
			r.AvgWind,
			r.RawPayload,
		)
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return len(rows), nil
	}
	return int(affected), nil
}
