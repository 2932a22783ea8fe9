package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ncu-collector/internal/telemetry/domain"
)

type stubStats struct {
	stats telemetry.CollectionStats
}

func (s stubStats) CollectionStats(context.Context, time.Time, int) (telemetry.CollectionStats, error) {
	return s.stats, nil
}

func TestPrintStats(t *testing.T) {
	at := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)
	ok := telemetry.TrackingRecord{
		CollectionTime:  at,
		RecordsSeen:     12,
		RecordsInserted: 10,
		RecordsExcluded: 2,
		Success:         true,
		Duration:        1500 * time.Millisecond,
	}
	failed := telemetry.TrackingRecord{
		CollectionTime: at.Add(2 * time.Minute),
		ErrorMessage:   "fetch: timeout",
	}

	var out bytes.Buffer
	err := printStats(context.Background(), &out, stubStats{stats: telemetry.CollectionStats{
		TotalSuccessful: 42,
		Last24h:         7,
		LastSuccess:     &ok,
		Recent:          []telemetry.TrackingRecord{failed, ok},
	}}, at)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Successful collections: 42")
	assert.Contains(t, text, "Successful in last 24h: 7")
	assert.Contains(t, text, "Last success: 2025-03-31 12:00:00 (10 inserted, 2 excluded)")
	assert.Contains(t, text, "fetch: timeout")
	table := strings.Split(strings.TrimSpace(text[strings.Index(text, "TIME"):]), "\n")
	assert.Len(t, table, 3)
}

func TestPrintStatsWithoutHistory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printStats(context.Background(), &out, stubStats{}, time.Now()))
	assert.Contains(t, out.String(), "Last success: never")
	assert.NotContains(t, out.String(), "TIME")
}
