package telemetry

import "time"

// TrackingRecord describes the outcome of one poll cycle.
type TrackingRecord struct {
	CollectionTime  time.Time
	PollTimestamp   int64
	RecordsSeen     int
	RecordsInserted int
	RecordsExcluded int
	Success         bool
	ErrorMessage    string
	Duration        time.Duration
}

// CollectionStats summarises the tracking table.
type CollectionStats struct {
	TotalSuccessful int
	Last24h         int
	LastSuccess     *TrackingRecord
	Recent          []TrackingRecord
}
