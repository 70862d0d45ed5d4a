package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/stockwatch/catalog"
	"github.com/use-agent/stockwatch/models"
	"github.com/use-agent/stockwatch/scraper"
)

var jakarta = time.FixedZone("WIB", 7*3600)

type fakeBatch struct {
	mu    sync.Mutex
	calls [][]string
	at    []time.Time
	now   func() time.Time
	onRun func()
	err   error
}

func (b *fakeBatch) Run(_ context.Context, locs []models.Location) (*scraper.BatchReport, error) {
	b.mu.Lock()
	keys := make([]string, 0, len(locs))
	report := &scraper.BatchReport{}
	for _, l := range locs {
		keys = append(keys, l.Key)
		report.Results = append(report.Results, models.NewScrapeResult(l, []models.ProductRecord{
			{Title: "Emas Batangan 1 gram", Price: "Rp1.500.000", HasStock: true},
		}, time.Second))
	}
	b.calls = append(b.calls, keys)
	if b.now != nil {
		b.at = append(b.at, b.now())
	}
	b.mu.Unlock()
	if b.onRun != nil {
		b.onRun()
	}
	return report, b.err
}

type fakeSource struct {
	locs []string
	err  error
}

func (f *fakeSource) FetchLocations(context.Context) ([]string, error) { return f.locs, f.err }

type fakeSink struct {
	delivered []string
	failOn    string
	onDeliver func()
}

func (f *fakeSink) Deliver(_ context.Context, r *models.ScrapeResult) (int, error) {
	f.delivered = append(f.delivered, r.Location)
	if f.onDeliver != nil {
		f.onDeliver()
	}
	if r.Location == f.failOn {
		return 0, models.NewScrapeError(models.ErrCodeDispatch, "endpoint returned status 500", nil)
	}
	return 1, nil
}

type fakeStore struct{ put []string }

func (f *fakeStore) Put(r *models.ScrapeResult) { f.put = append(f.put, r.Location) }

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func testOptions() Options {
	return Options{
		Window:      Window{Start: 8, End: 20, Loc: jakarta},
		Base:        100 * time.Second,
		Variation:   30 * time.Second,
		MinInterval: 30 * time.Second,
		Defaults:    []string{"bandung"},
	}
}

func newTestScheduler(opts Options, clock *fakeClock, b Batch, src LocationSource, sink Sink, store ResultStore) *Scheduler {
	s := New(opts, catalog.Default(), b, src, sink, store)
	s.now = clock.Now
	s.sleep = clock.Sleep
	return s
}

func TestWindow_NextStart(t *testing.T) {
	w := Window{Start: 8, End: 20, Loc: jakarta}

	evening := time.Date(2026, 3, 10, 21, 0, 0, 0, jakarta)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, jakarta), w.NextStart(evening))

	early := time.Date(2026, 3, 10, 5, 0, 0, 0, jakarta)
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, jakarta), w.NextStart(early))

	endOfMonth := time.Date(2026, 3, 31, 22, 0, 0, 0, jakarta)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 0, 0, 0, jakarta), w.NextStart(endOfMonth))
}

func TestWindow_Open(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 3, 10, h, 30, 0, 0, jakarta) }

	day := Window{Start: 8, End: 20, Loc: jakarta}
	assert.False(t, day.Open(at(7)))
	assert.True(t, day.Open(at(8)))
	assert.True(t, day.Open(at(19)))
	assert.False(t, day.Open(at(20)))

	night := Window{Start: 22, End: 6, Loc: jakarta}
	assert.True(t, night.Open(at(23)))
	assert.True(t, night.Open(at(2)))
	assert.False(t, night.Open(at(12)))

	assert.True(t, Window{Start: 8, End: 8}.Open(at(3)))
	assert.True(t, Window{Start: 0, End: 24}.Open(at(3)))
}

func TestWindow_UsesOwnTimeZone(t *testing.T) {
	w := Window{Start: 8, End: 20, Loc: jakarta}

	// 02:00 UTC is 09:00 WIB.
	assert.True(t, w.Open(time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)))
}

func TestNextInterval_Bounds(t *testing.T) {
	s := New(testOptions(), catalog.Default(), &fakeBatch{}, nil, nil, nil)

	s.randIntN = func(n int) int { return 0 }
	assert.Equal(t, 70*time.Second, s.NextInterval())

	s.randIntN = func(n int) int { return n - 1 }
	assert.Equal(t, 130*time.Second, s.NextInterval())

	s.randIntN = func(n int) int { return n / 2 }
	assert.Equal(t, 100*time.Second, s.NextInterval())
}

func TestNextInterval_Floor(t *testing.T) {
	opts := testOptions()
	opts.Base = 20 * time.Second
	opts.Variation = 15 * time.Second
	s := New(opts, catalog.Default(), &fakeBatch{}, nil, nil, nil)

	for range 200 {
		d := s.NextInterval()
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 35*time.Second)
		assert.Zero(t, d%time.Second)
	}
}

func TestRunOnce_DispatchesEveryResultInOrder(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	batch := &fakeBatch{}
	sink := &fakeSink{failOn: "bandung"}
	store := &fakeStore{}
	src := &fakeSource{locs: []string{"bandung", "surabaya", "nowhere", "medan"}}
	s := newTestScheduler(testOptions(), clock, batch, src, sink, store)

	results, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, [][]string{{"bandung", "surabaya", "medan"}}, batch.calls)
	assert.Equal(t, []string{"bandung", "surabaya", "medan"}, sink.delivered, "a failed delivery does not stop the rest")
	assert.Equal(t, []string{"bandung", "surabaya", "medan"}, store.put)
	assert.Equal(t, 1, s.Snapshot().RunCount)
}

func TestRunOnce_SourceFailureUsesDefaults(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	batch := &fakeBatch{}
	src := &fakeSource{err: errors.New("connection refused")}
	s := newTestScheduler(testOptions(), clock, batch, src, &fakeSink{}, nil)

	_, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"bandung"}}, batch.calls)
}

func TestRunOnce_EmptySourceUsesDefaults(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	batch := &fakeBatch{}
	s := newTestScheduler(testOptions(), clock, batch, &fakeSource{}, &fakeSink{}, nil)

	_, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"bandung"}}, batch.calls)
}

func TestRunOnce_UnknownOnlySourceUsesDefaults(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	batch := &fakeBatch{}
	s := newTestScheduler(testOptions(), clock, batch, &fakeSource{locs: []string{"atlantis"}}, &fakeSink{}, nil)

	_, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"bandung"}}, batch.calls)
}

func TestRunOnce_OverridesSkipSource(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	batch := &fakeBatch{}
	opts := testOptions()
	opts.Overrides = []string{"Bali", "209", "yogyakarta"}
	src := &fakeSource{err: errors.New("must not be called")}
	s := newTestScheduler(opts, clock, batch, src, &fakeSink{}, nil)

	_, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"bali", "yogyakarta"}}, batch.calls)
}

func TestRunOnce_PartialResultsStillDispatched(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	launchErr := models.NewScrapeError(models.ErrCodeSessionLaunch, "launch browser", nil)
	batch := &fakeBatch{err: launchErr}
	sink := &fakeSink{}
	opts := testOptions()
	opts.Overrides = []string{"bandung", "medan"}
	s := newTestScheduler(opts, clock, batch, nil, sink, nil)

	_, err := s.RunOnce(context.Background())

	assert.ErrorIs(t, err, launchErr)
	assert.Equal(t, []string{"bandung", "medan"}, sink.delivered)
}

func TestDispatch_StopsOnShutdown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &fakeSink{onDeliver: cancel}
	opts := testOptions()
	opts.Overrides = []string{"bandung", "surabaya", "medan"}
	s := newTestScheduler(opts, clock, &fakeBatch{}, nil, sink, nil)

	_, _ = s.RunOnce(ctx)

	assert.Equal(t, []string{"bandung"}, sink.delivered)
}

func TestRun_GatesUntilWindowOpens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 21, 0, 0, 0, jakarta)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batch := &fakeBatch{now: clock.Now, onRun: cancel}
	s := newTestScheduler(testOptions(), clock, batch, nil, &fakeSink{}, nil)

	require.NoError(t, s.Run(ctx))

	require.Len(t, batch.at, 1)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, jakarta), batch.at[0].In(jakarta))
	for _, d := range clock.sleeps {
		assert.LessOrEqual(t, d, time.Minute)
	}
	snap := s.Snapshot()
	assert.Equal(t, string(StateShuttingDown), snap.State)
	assert.True(t, snap.ShutdownRequested)
}

func TestRun_SleepsJitteredIntervalBetweenRuns(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batch := &fakeBatch{now: clock.Now}
	batch.onRun = func() {
		if len(batch.calls) == 3 {
			cancel()
		}
	}
	s := newTestScheduler(testOptions(), clock, batch, nil, &fakeSink{}, nil)
	s.randIntN = func(n int) int { return 0 }

	require.NoError(t, s.Run(ctx))

	assert.Len(t, batch.calls, 3)
	assert.Equal(t, []time.Duration{70 * time.Second, 70 * time.Second}, clock.sleeps)
	assert.Equal(t, 3, s.Snapshot().RunCount)
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, jakarta)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch := &fakeBatch{}
	s := newTestScheduler(testOptions(), clock, batch, nil, &fakeSink{}, nil)

	require.NoError(t, s.Run(ctx))

	assert.Empty(t, batch.calls)
}

func TestTrigger_BypassesGateOnce(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 23, 0, 0, 0, jakarta)}
	s := newTestScheduler(testOptions(), clock, &fakeBatch{}, nil, &fakeSink{}, nil)

	s.Trigger()
	s.Trigger()

	assert.True(t, s.gate(context.Background()))
	assert.Empty(t, clock.sleeps)
	assert.False(t, s.takeForced())
}

func TestWait_ReturnsEarlyOnTrigger(t *testing.T) {
	s := New(testOptions(), catalog.Default(), &fakeBatch{}, nil, nil, nil)
	s.Trigger()

	start := time.Now()
	err := s.wait(context.Background(), time.Hour)

	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_Canceled(t *testing.T) {
	s := New(testOptions(), catalog.Default(), &fakeBatch{}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.wait(ctx, time.Hour), context.Canceled)
}
