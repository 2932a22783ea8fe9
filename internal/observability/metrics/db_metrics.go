package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// TrackingCounter answers tracking-table counts for gauges.
type TrackingCounter interface {
	CountFailedTracking(ctx context.Context, since time.Time) (int, error)
}

func registerDBMetrics(counter TrackingCounter, logger zerolog.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "tracking_failures_24h",
			Help: "Failed poll cycles recorded in the last 24 hours",
		},
		func() float64 {
			return queryCount(counter, logger, 24*time.Hour)
		},
	))
}

func queryCount(counter TrackingCounter, logger zerolog.Logger, window time.Duration) float64 {
	if counter == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	count, err := counter.CountFailedTracking(ctx, time.Now().Add(-window))
	if err != nil {
		logger.Warn().Err(err).Msg("metrics query failed")
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
