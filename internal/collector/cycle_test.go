package collector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ncu-collector/internal/ingest"
	"ncu-collector/internal/telemetry/domain"
	"ncu-collector/internal/upstream"
)

type fakeAuth struct {
	ensureErr   error
	loginErr    error
	ensures     int
	logins      int
	invalidates int
}

func (a *fakeAuth) EnsureFresh(context.Context) error {
	a.ensures++
	return a.ensureErr
}

func (a *fakeAuth) Login(context.Context) error {
	a.logins++
	return a.loginErr
}

func (a *fakeAuth) Invalidate() { a.invalidates++ }

type fakePoller struct {
	polls []upstream.Poll
	errs  []error
	calls int
}

func (p *fakePoller) Fetch(context.Context) (upstream.Poll, error) {
	idx := p.calls
	p.calls++
	var err error
	if idx < len(p.errs) {
		err = p.errs[idx]
	}
	if err != nil {
		return upstream.Poll{}, err
	}
	return p.polls[idx], nil
}

type fakeSnapshotIngestor struct {
	got    []telemetry.Snapshot
	result *ingest.Result
	err    error
}

func (f *fakeSnapshotIngestor) Ingest(_ context.Context, records []telemetry.Snapshot, _ int) (ingest.Result, error) {
	f.got = append(f.got, records...)
	if f.result != nil {
		return *f.result, f.err
	}
	return ingest.Result{BatchesAttempted: 1, BatchesSucceeded: 1, Inserted: len(records)}, f.err
}

type fakeTracking struct {
	failFirst  bool
	records    []telemetry.TrackingRecord
	inserts    int
	reconnects int
}

func (f *fakeTracking) EnsureConnected(context.Context) error { return nil }

func (f *fakeTracking) Reconnect(context.Context) error {
	f.reconnects++
	return nil
}

func (f *fakeTracking) InsertTracking(_ context.Context, rec telemetry.TrackingRecord) error {
	f.inserts++
	if f.failFirst && f.inserts == 1 {
		return &telemetry.StorageError{Kind: telemetry.StorageConnectionLost, Err: errors.New("eof")}
	}
	f.records = append(f.records, rec)
	return nil
}

func item(project, unit string) upstream.Item {
	raw := json.RawMessage(`{"project":{"value":"` + project + `"},"ncu":{"value":"` + unit + `"}}`)
	return upstream.Item{
		Fields: map[string]json.RawMessage{
			"project": json.RawMessage(`{"value":"` + project + `"}`),
			"ncu":     json.RawMessage(`{"value":"` + unit + `"}`),
		},
		Raw: raw,
	}
}

func newTestCycle(t *testing.T, auth *fakeAuth, poller *fakePoller, ing *fakeSnapshotIngestor, tracking *fakeTracking) *Cycle {
	t.Helper()
	clock := newFakeClock(time.Date(2025, 3, 31, 9, 0, 0, 0, time.UTC))
	cycle, err := NewCycle(auth, poller, ing, tracking, WithCycleClock(clock))
	require.NoError(t, err)
	return cycle
}

func TestCycleStoresSnapshotsAndTracksCounts(t *testing.T) {
	auth := &fakeAuth{}
	poller := &fakePoller{polls: []upstream.Poll{{
		Timestamp: 1743411600000,
		Items:     []upstream.Item{item("North", "N1"), item("AAA", "X"), item("South", "S1")},
	}}}
	ing := &fakeSnapshotIngestor{}
	tracking := &fakeTracking{}

	rec, err := newTestCycle(t, auth, poller, ing, tracking).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Equal(t, 3, rec.RecordsSeen)
	require.Equal(t, 1, rec.RecordsExcluded)
	require.Equal(t, 2, rec.RecordsInserted)
	require.Equal(t, rec.RecordsSeen, rec.RecordsInserted+rec.RecordsExcluded)
	require.Equal(t, int64(1743411600000), rec.PollTimestamp)
	require.Len(t, ing.got, 2)
	for _, snap := range ing.got {
		require.NotEqual(t, telemetry.SentinelProject, snap.Project)
	}
	require.Len(t, tracking.records, 1)
	require.Equal(t, rec, tracking.records[0])
}

func TestCycleRelogsOnceOnUnauthorized(t *testing.T) {
	auth := &fakeAuth{}
	unauthorized := &telemetry.FetchError{Kind: telemetry.FetchUnauthorized, StatusCode: 401}
	poller := &fakePoller{
		errs:  []error{unauthorized, nil},
		polls: []upstream.Poll{{}, {Timestamp: 1, Items: []upstream.Item{item("North", "N1")}}},
	}
	tracking := &fakeTracking{}

	rec, err := newTestCycle(t, auth, poller, &fakeSnapshotIngestor{}, tracking).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Equal(t, 1, auth.invalidates)
	require.Equal(t, 1, auth.logins)
	require.Equal(t, 2, poller.calls)
}

func TestCycleFailsWhenRetryAfterReloginIsUnauthorized(t *testing.T) {
	auth := &fakeAuth{}
	unauthorized := &telemetry.FetchError{Kind: telemetry.FetchUnauthorized, StatusCode: 401}
	poller := &fakePoller{errs: []error{unauthorized, unauthorized}}
	tracking := &fakeTracking{}

	rec, err := newTestCycle(t, auth, poller, &fakeSnapshotIngestor{}, tracking).Run(context.Background())
	require.Error(t, err)
	require.False(t, rec.Success)
	require.Equal(t, 1, auth.logins)
	require.Equal(t, 2, poller.calls)
	require.Len(t, tracking.records, 1)
	require.Contains(t, tracking.records[0].ErrorMessage, "unauthorized")
}

func TestCycleWritesTrackingOnAuthFailure(t *testing.T) {
	auth := &fakeAuth{ensureErr: &telemetry.AuthError{Op: "login", StatusCode: 500}}
	poller := &fakePoller{}
	tracking := &fakeTracking{failFirst: true}

	rec, err := newTestCycle(t, auth, poller, &fakeSnapshotIngestor{}, tracking).Run(context.Background())
	var authErr *telemetry.AuthError
	require.ErrorAs(t, err, &authErr)
	require.False(t, rec.Success)
	require.Equal(t, 0, rec.RecordsSeen)
	require.Equal(t, 0, poller.calls)
	require.Equal(t, 1, tracking.reconnects)
	require.Len(t, tracking.records, 1)
	require.Equal(t, "auth: login: status 500", tracking.records[0].ErrorMessage)
}

func TestCycleFailsWhenRecordsAreDropped(t *testing.T) {
	poller := &fakePoller{polls: []upstream.Poll{{Timestamp: 1, Items: []upstream.Item{item("North", "N1"), item("North", "N2")}}}}
	ing := &fakeSnapshotIngestor{result: &ingest.Result{BatchesAttempted: 1, Inserted: 1, FailedRecords: 1}}
	tracking := &fakeTracking{}

	rec, err := newTestCycle(t, &fakeAuth{}, poller, ing, tracking).Run(context.Background())
	require.Error(t, err)
	require.False(t, rec.Success)
	require.Equal(t, 1, rec.RecordsInserted)
	require.Equal(t, "1 of 2 records not stored", rec.ErrorMessage)
}

func TestCycleEmptyPollIsSuccess(t *testing.T) {
	poller := &fakePoller{polls: []upstream.Poll{{Timestamp: 1}}}
	ing := &fakeSnapshotIngestor{}
	rec, err := newTestCycle(t, &fakeAuth{}, poller, ing, &fakeTracking{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, rec.Success)
	require.Empty(t, ing.got)
}
