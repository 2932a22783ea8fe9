package cloudapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ncu-collector/internal/telemetry/domain"
)

var createdAtLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	TimeLayout,
	"2006-01-02T15:04:05",
}

var (
	errNotFinite  = errors.New("not a finite number")
	errOutOfRange = errors.New("out of integer range")
)

// DecodeStatusRows converts raw history rows. Rows without an id are skipped
// and reported. A row whose creation time cannot be read is kept with
// fallback as its time, and reported. Unusable numbers are stored empty or as
// zero and reported. Ids are namespaced by the project's storage key because
// each project database numbers its rows independently.
func DecodeStatusRows(rows []map[string]json.RawMessage, project telemetry.Project, loc *time.Location, fallback time.Time) ([]telemetry.StatusRecord, []error) {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]telemetry.StatusRecord, 0, len(rows))
	var warnings []error
	for _, row := range rows {
		id := rawString(row, "id")
		if id == "" {
			warnings = append(warnings, &telemetry.TransformError{Field: "id", Err: errors.New("missing")})
			continue
		}
		d := rowDecoder{row: row}
		createdRaw := rawString(row, "created_at")
		createdAt, err := parseCreatedAt(createdRaw, loc)
		if err != nil {
			d.warn("created_at", createdRaw, err)
			createdAt = fallback.UTC()
		}
		out = append(out, telemetry.StatusRecord{
			ID:          project.StorageKey + ":" + id,
			ProjectName: project.Name,
			UnitID:      rawString(row, "tcu_id", "tcu_name", "device_id", "tcu"),
			ActualAngle: d.float("actual_angle"),
			TargetAngle: d.float("target_angle"),
			StatusName:  rawString(row, "status_name"),
			Alarm:       d.integer("alarm"),
			ManualMode:  d.integer("manual_mode"),
			RowIndex:    d.integer("tcu_rows", "row_index"),
			WindSpeed:   d.float("wind_speed"),
			CreatedAt:   createdAt,
		})
		warnings = append(warnings, d.warnings...)
	}
	return out, warnings
}

func rawString(row map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := row[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(string(raw))
	}
	return ""
}

type rowDecoder struct {
	row      map[string]json.RawMessage
	warnings []error
}

func (d *rowDecoder) warn(field, raw string, err error) {
	d.warnings = append(d.warnings, &telemetry.TransformError{Field: field, Raw: raw, Err: err})
}

// float returns nil for absent values and for values DOUBLE PRECISION
// cannot hold.
func (d *rowDecoder) float(keys ...string) *float64 {
	s := rawString(d.row, keys...)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		err = errNotFinite
	}
	if err != nil {
		d.warn(keys[0], s, err)
		return nil
	}
	return &f
}

// integer returns 0 for absent values and for values outside INTEGER.
func (d *rowDecoder) integer(keys ...string) int {
	f := d.float(keys...)
	if f == nil {
		return 0
	}
	if *f < math.MinInt32 || *f > math.MaxInt32 {
		d.warn(keys[0], strconv.FormatFloat(*f, 'g', -1, 64), errOutOfRange)
		return 0
	}
	return int(*f)
}

func parseCreatedAt(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
