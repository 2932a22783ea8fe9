package storage

import (
	"context"
	"fmt"

	"ncu-collector/internal/telemetry/domain"
)

const idLookupChunk = 500

var statusColumns = []string{
	"id", "project_name", "tcu_id", "actual_angle", "target_angle", "status_name",
	"alarm", "manual_mode", "tcu_rows", "wind_speed", "created_at",
}

// InsertStatusBatch writes status rows, silently skipping ids already stored.
func (s *Store) InsertStatusBatch(ctx context.Context, rows []telemetry.StatusRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("INSERT INTO %s (id, project_name, tcu_id, actual_angle, target_angle, status_name, alarm, manual_mode, tcu_rows, wind_speed, created_at) VALUES %s ON CONFLICT (id) DO NOTHING",
		statusTable,
		s.dialect.valuesClause(len(rows), len(statusColumns)),
	)
	args := make([]any, 0, len(rows)*len(statusColumns))
	for _, r := range rows {
		args = append(args,
			r.ID,
			r.ProjectName,
			r.UnitID,
			nullableFloat(r.ActualAngle),
			nullableFloat(r.TargetAngle),
			r.StatusName,
			r.Alarm,
			r.ManualMode,
			r.RowIndex,
			nullableFloat(r.WindSpeed),
			r.CreatedAt.UTC(),
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

// StatusIDsExist returns the subset of ids already stored.
func (s *Store) StatusIDsExist(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(ids) == 0 {
		return found, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.connLocked()
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(ids); start += idLookupChunk {
		end := start + idLookupChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		query := fmt.Sprintf("SELECT id FROM %s WHERE id IN (%s)", statusTable, s.dialect.inClause(1, len(chunk)))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, wrap(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, wrap(err)
			}
			found[id] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, wrap(err)
		}
	}
	return found, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
