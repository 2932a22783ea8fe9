package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ncu-collector/internal/backfill"
	"ncu-collector/internal/cloudapi"
	"ncu-collector/internal/ingest"
	"ncu-collector/internal/storage"
	"ncu-collector/internal/telemetry/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// tallyIngestor sums the results of every Ingest call.
type tallyIngestor struct {
	next *ingest.Ingestor[telemetry.StatusRecord]

	mu    sync.Mutex
	total ingest.Result
}

func (t *tallyIngestor) Ingest(ctx context.Context, records []telemetry.StatusRecord, batchSize int) (ingest.Result, error) {
	res, err := t.next.Ingest(ctx, records, batchSize)
	t.mu.Lock()
	t.total.Inserted += res.Inserted
	t.total.Duplicates += res.Duplicates
	t.total.FailedRecords += res.FailedRecords
	t.mu.Unlock()
	return res, err
}

func (t *tallyIngestor) reset() ingest.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.total
	t.total = ingest.Result{}
	return res
}

// newHistoryAPI serves two projects, each with one fault, one stow and one ok
// row per hourly window.
func newHistoryAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/master", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":[
			{"project_name":"North Field","db_name":"north_field"},
			{"project_name":"South Field","db_name":"south_field"}
		]}`))
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		start, err := time.Parse(cloudapi.TimeLayout, r.URL.Query().Get("start"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		base := start.Hour() * 10
		created := start.Add(15 * time.Minute).Format(cloudapi.TimeLayout)
		rows := []map[string]any{
			{"id": base + 1, "tcu_id": "T-1", "status_name": "fault", "alarm": 1, "created_at": created},
			{"id": base + 2, "tcu_id": "T-2", "status_name": "ok", "created_at": created},
			{"id": base + 3, "tcu_id": "T-3", "status_name": "stow", "wind_speed": "14.2", "created_at": created},
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "count": len(rows), "data": rows})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestBackfillRerunOverSameWindowsAddsNoRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "backfill.db")
	store, err := storage.Open(ctx, storage.Options{FallbackPath: path})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.CreateSchema(ctx))
	require.NoError(t, store.MigrateSchema(ctx))

	statuses, err := ingest.New[telemetry.StatusRecord](store, store.InsertStatusBatch, ingest.Config{BatchSize: 2})
	require.NoError(t, err)
	statuses.WithDedup(func(r telemetry.StatusRecord) string { return r.ID }, store.StatusIDsExist)
	tally := &tallyIngestor{next: statuses}

	server := newHistoryAPI(t)
	client, err := cloudapi.NewClient(server.URL, cloudapi.WithLocation(time.UTC))
	require.NoError(t, err)

	start := time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC)
	now := fixedClock{now: start.Add(3*time.Hour + 30*time.Minute)}
	walker, err := backfill.NewWalker(client, client, tally,
		backfill.Config{Window: time.Hour, ExitWhenCaughtUp: true}, backfill.WithClock(now))
	require.NoError(t, err)

	// Three closed windows, two projects, two abnormal rows each.
	const abnormalRows = 3 * 2 * 2

	require.NoError(t, walker.Run(ctx, start))
	first := tally.reset()
	require.Equal(t, abnormalRows, first.Inserted)
	require.Zero(t, first.Duplicates)
	require.Equal(t, abnormalRows, countRows(t, path, "tcu_overview"))

	require.NoError(t, walker.Run(ctx, start))
	second := tally.reset()
	require.Zero(t, second.Inserted)
	require.Equal(t, abnormalRows, second.Duplicates)
	require.Zero(t, second.FailedRecords)
	require.Equal(t, abnormalRows, countRows(t, path, "tcu_overview"))

	stored, err := store.StatusIDsExist(ctx, []string{"north_field:81", "south_field:103", "north_field:82"})
	require.NoError(t, err)
	require.Contains(t, stored, "north_field:81")
	require.Contains(t, stored, "south_field:103")
	require.NotContains(t, stored, "north_field:82")
}
