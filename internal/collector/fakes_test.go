package collector

import (
	"context"
	"sync"
	"time"

	"ncu-collector/internal/notify"
	"ncu-collector/internal/telemetry/domain"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) maxWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var longest time.Duration
	for _, w := range c.waits {
		longest = max(longest, w)
	}
	return longest
}

type scriptedRunner struct {
	clock     *fakeClock
	results   []error
	calls     []time.Time
	stopAfter int
	cancel    context.CancelFunc
}

func (r *scriptedRunner) Run(ctx context.Context) (telemetry.TrackingRecord, error) {
	r.calls = append(r.calls, r.clock.Now())
	idx := len(r.calls) - 1
	var err error
	if idx < len(r.results) {
		err = r.results[idx]
	}
	if len(r.calls) >= r.stopAfter {
		r.cancel()
	}
	return telemetry.TrackingRecord{Success: err == nil}, err
}

type fakeSession struct {
	loggedIn bool
	logouts  int
}

func (s *fakeSession) Logout(context.Context) {
	s.logouts++
	s.loggedIn = false
}

func (s *fakeSession) LoggedIn() bool { return s.loggedIn }

func (s *fakeSession) LastLogin() time.Time { return time.Time{} }

type recordingNotifier struct {
	alerts []notify.AlertMessage
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.AlertMessage) error {
	n.alerts = append(n.alerts, msg)
	return nil
}
