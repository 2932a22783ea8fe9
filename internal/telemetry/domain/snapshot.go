package telemetry

import "time"

// SentinelProject marks placeholder rows the portal emits for unassigned controllers.
const SentinelProject = "AAA"

// Snapshot is one controller's state captured by a single poll.
type Snapshot struct {
	PollTimestamp int64
	CapturedAt    time.Time

	Project string
	UnitID  string
	UserRef int
	UnitRef int

	Alarm          int
	BatteryAlarm   int
	BatteryWarning int
	WarningCount   int
	MasterMode     int
	ManualMode     int
	OKStatus       int
	CommError      int
	Inactive       int

	MaxWind float64
	AvgWind float64

	RawPayload string
}

// IsSentinel reports whether the snapshot belongs to the placeholder project.
func (s Snapshot) IsSentinel() bool {
	return s.Project == SentinelProject
}
