package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"ncu-collector/internal/telemetry/domain"
)

// maxDecimal bounds NUMERIC(10,2): eight integer digits.
const maxDecimal = 1e8

var (
	errNotNumeric = errors.New("not numeric")
	errNotFinite  = errors.New("not a finite number")
	errOutOfRange = errors.New("out of column range")
)

// Canonicalize converts polled items into snapshots. Sentinel-project rows are
// dropped and counted. Unparseable field values become zero and are returned
// as TransformError warnings; they never drop the row.
func Canonicalize(items []Item, pollTS int64) ([]telemetry.Snapshot, int, []error) {
	capturedAt := time.UnixMilli(pollTS).UTC()
	out := make([]telemetry.Snapshot, 0, len(items))
	excluded := 0
	var warnings []error
	for _, item := range items {
		c := converter{fields: item.Fields}
		snap := telemetry.Snapshot{
			PollTimestamp:  pollTS,
			CapturedAt:     capturedAt,
			Project:        c.text("project"),
			UnitID:         c.text("ncu"),
			UserRef:        c.integer("user_id"),
			UnitRef:        c.integer("ncu_id"),
			Alarm:          c.integer("alarm"),
			BatteryAlarm:   c.integer("batteryAlarm"),
			BatteryWarning: c.integer("batteryWarning"),
			WarningCount:   c.integer("warning"),
			MasterMode:     c.integer("masterMode"),
			ManualMode:     c.integer("manualMode"),
			OKStatus:       c.integer("okStatus"),
			CommError:      c.integer("communicationError"),
			Inactive:       c.integer("inactvieTCU", "inactiveTCU"),
			MaxWind:        c.decimal("maxWindSpeed"),
			AvgWind:        c.decimal("avgWindSpeed"),
			RawPayload:     string(item.Raw),
		}
		if snap.IsSentinel() {
			excluded++
			continue
		}
		warnings = append(warnings, c.errs...)
		out = append(out, snap)
	}
	return out, excluded, warnings
}

type converter struct {
	fields map[string]json.RawMessage
	errs   []error
}

// value unwraps {"value": x} envelopes; bare scalars are accepted too.
func (c *converter) value(keys ...string) (json.RawMessage, string) {
	for _, key := range keys {
		raw, ok := c.fields[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var wrapped struct {
				Value json.RawMessage `json:"value"`
			}
			if err := json.Unmarshal(trimmed, &wrapped); err == nil {
				return wrapped.Value, key
			}
		}
		return trimmed, key
	}
	return nil, keys[0]
}

func (c *converter) text(keys ...string) string {
	raw, _ := c.value(keys...)
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// integer reads a value bound for an INTEGER column.
func (c *converter) integer(keys ...string) int {
	f, key, ok := c.number(keys...)
	if !ok {
		return 0
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		c.reject(key, strconv.FormatFloat(f, 'g', -1, 64), errOutOfRange)
		return 0
	}
	return int(f)
}

// decimal reads a value bound for a NUMERIC(10,2) column.
func (c *converter) decimal(keys ...string) float64 {
	f, key, ok := c.number(keys...)
	if !ok {
		return 0
	}
	if math.Abs(math.Round(f*100)/100) >= maxDecimal {
		c.reject(key, strconv.FormatFloat(f, 'g', -1, 64), errOutOfRange)
		return 0
	}
	return f
}

// number parses a finite value; absent and null values read as zero without
// a warning.
func (c *converter) number(keys ...string) (float64, string, bool) {
	raw, key := c.value(keys...)
	if isNull(raw) {
		return 0, key, false
	}
	f, err := parseNumber(raw)
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		err = errNotFinite
	}
	if err != nil {
		c.reject(key, string(raw), err)
		return 0, key, false
	}
	return f, key, true
}

func (c *converter) reject(key, raw string, err error) {
	c.errs = append(c.errs, &telemetry.TransformError{Field: key, Raw: raw, Err: err})
}

func parseNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, nil
		}
	}
	return 0, errNotNumeric
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
