package telemetry

import (
	"strings"
	"time"
)

// StatusOK is the status name of a healthy tracker row.
const StatusOK = "ok"

// Project is an entry of the upstream project directory.
type Project struct {
	Name       string `json:"project_name" yaml:"name"`
	StorageKey string `json:"db_name" yaml:"storage_key"`
}

// StatusRecord is a historical tracker status row pulled by backfill.
type StatusRecord struct {
	ID          string
	ProjectName string
	UnitID      string
	ActualAngle *float64
	TargetAngle *float64
	StatusName  string
	Alarm       int
	ManualMode  int
	RowIndex    int
	WindSpeed   *float64
	CreatedAt   time.Time
}

// IsAbnormal reports whether the row carries a non-ok status.
func (r StatusRecord) IsAbnormal() bool {
	return !strings.EqualFold(strings.TrimSpace(r.StatusName), StatusOK)
}

// FilterAbnormal keeps non-ok rows and drops repeated ids, first occurrence wins.
func FilterAbnormal(rows []StatusRecord) []StatusRecord {
	out := make([]StatusRecord, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if !row.IsAbnormal() {
			continue
		}
		if _, ok := seen[row.ID]; ok {
			continue
		}
		seen[row.ID] = struct{}{}
		out = append(out, row)
	}
	return out
}
