package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/use-agent/stockwatch/catalog"
	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/models"
	"github.com/use-agent/stockwatch/scraper"
)

// State is the scheduler's current phase.
type State string

const (
	StateSleeping     State = "sleeping"
	StateGating       State = "gating"
	StateRunning      State = "running"
	StateDispatching  State = "dispatching"
	StateShuttingDown State = "shutting_down"
)

// maxGateSleep bounds a single sleep while waiting for the window to open.
const maxGateSleep = 60 * time.Second

// Batch runs one batch over the given locations.
type Batch interface {
	Run(ctx context.Context, locs []models.Location) (*scraper.BatchReport, error)
}

// LocationSource supplies the location selectors to check.
type LocationSource interface {
	FetchLocations(ctx context.Context) ([]string, error)
}

// Sink receives one result at a time.
type Sink interface {
	Deliver(ctx context.Context, r *models.ScrapeResult) (int, error)
}

// ResultStore keeps the latest results.
type ResultStore interface {
	Put(r *models.ScrapeResult)
}

// Options controls the polling loop.
type Options struct {
	Window      Window
	Base        time.Duration
	Variation   time.Duration
	MinInterval time.Duration

	// Defaults is used when the location source fails or returns nothing.
	Defaults []string

	// Overrides replaces the location source when non-empty.
	Overrides []string
}

// OptionsFromConfig builds Options from scheduler configuration.
func OptionsFromConfig(cfg config.SchedulerConfig, overrides []string) Options {
	return Options{
		Window:      Window{Start: cfg.StartHour, End: cfg.EndHour, Loc: cfg.Timezone},
		Base:        cfg.BaseInterval,
		Variation:   cfg.RandomVariation,
		MinInterval: cfg.MinInterval,
		Defaults:    cfg.DefaultLocations,
		Overrides:   overrides,
	}
}

// Scheduler drives batches inside the operating window and delivers every
// result to the sink. Only one batch runs at a time.
type Scheduler struct {
	opts    Options
	catalog *catalog.Catalog
	batch   Batch
	source  LocationSource
	sink    Sink
	store   ResultStore

	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	randIntN func(n int) int

	trigger chan struct{}
	runMu   sync.Mutex

	mu       sync.Mutex
	state    State
	nextRun  time.Time
	lastRun  time.Time
	runCount int
	forced   bool
	stopping bool
}

// New creates a Scheduler. source and store may be nil.
func New(opts Options, cat *catalog.Catalog, batch Batch, source LocationSource, sink Sink, store ResultStore) *Scheduler {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 30 * time.Second
	}
	s := &Scheduler{
		opts:     opts,
		catalog:  cat,
		batch:    batch,
		source:   source,
		sink:     sink,
		store:    store,
		now:      time.Now,
		randIntN: rand.IntN,
		trigger:  make(chan struct{}, 1),
		state:    StateSleeping,
	}
	s.sleep = s.wait
	return s
}

// Run loops until ctx is canceled: gate, run a batch, dispatch, sleep a
// jittered interval. It returns nil on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started",
		"start_hour", s.opts.Window.Start,
		"end_hour", s.opts.Window.End,
		"base_interval", s.opts.Base,
		"variation", s.opts.Variation,
	)
	for {
		if !s.gate(ctx) {
			break
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("batch failed", "error", err)
		}
		if ctx.Err() != nil {
			break
		}

		interval := s.NextInterval()
		s.setState(StateSleeping, s.now().Add(interval))
		slog.Info("next check scheduled", "in", interval)
		if err := s.sleep(ctx, interval); err != nil {
			break
		}
	}

	s.mu.Lock()
	s.state = StateShuttingDown
	s.stopping = true
	s.mu.Unlock()
	slog.Info("scheduler stopped")
	return nil
}

// RunOnce runs a single ungated cycle and returns the batch results.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*models.ScrapeResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.setState(StateRunning, time.Time{})
	locs := s.locations(ctx)
	if len(locs) == 0 {
		slog.Warn("no locations to check")
		s.finishRun()
		return nil, nil
	}

	slog.Info("batch starting", "locations", len(locs))
	report, err := s.batch.Run(ctx, locs)
	var results []*models.ScrapeResult
	if report != nil {
		results = report.Results
		slog.Info("batch finished",
			"results", len(results),
			"launches", report.Launches,
			"recycles", report.Recycles,
			"elapsed", report.Elapsed.Round(time.Millisecond),
		)
	}
	s.dispatch(ctx, results)
	s.finishRun()
	return results, err
}

// Trigger wakes the scheduler for an immediate cycle, even outside the
// operating window. It never starts a second concurrent batch.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	s.forced = true
	s.mu.Unlock()
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NextInterval returns Base plus a uniform whole-second offset in
// [-Variation, +Variation], floored at MinInterval.
func (s *Scheduler) NextInterval() time.Duration {
	d := s.opts.Base
	if v := int(s.opts.Variation / time.Second); v > 0 {
		d += time.Duration(s.randIntN(2*v+1)-v) * time.Second
	}
	return max(d, s.opts.MinInterval)
}

// Snapshot returns the current scheduler state.
func (s *Scheduler) Snapshot() models.ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ScheduleState{
		State:     string(s.state),
		NextRunAt: s.nextRun,
		LastRunAt: s.lastRun,
		RunCount:  s.runCount,
		Window:    models.OperatingWindow{StartHour: s.opts.Window.Start, EndHour: s.opts.Window.End},
		Jitter: models.JitterBounds{
			Base:      s.opts.Base,
			Variation: s.opts.Variation,
			Floor:     s.opts.MinInterval,
		},
		ShutdownRequested: s.stopping,
	}
}

// gate blocks until the window is open or a trigger arrives. It returns
// false when ctx is done.
func (s *Scheduler) gate(ctx context.Context) bool {
	logged := false
	for {
		if ctx.Err() != nil {
			return false
		}
		now := s.now()
		if s.takeForced() || s.opts.Window.Open(now) {
			return true
		}

		next := s.opts.Window.NextStart(now)
		s.setState(StateGating, next)
		if !logged {
			slog.Info("outside operating hours", "opens_at", next.Format(time.RFC3339))
			logged = true
		}
		if err := s.sleep(ctx, min(next.Sub(now), maxGateSleep)); err != nil {
			return false
		}
	}
}

func (s *Scheduler) locations(ctx context.Context) []models.Location {
	selectors := s.opts.Overrides
	fromSource := false
	if len(selectors) == 0 && s.source != nil {
		fetched, err := s.source.FetchLocations(ctx)
		switch {
		case err != nil:
			slog.Warn("location source failed, using defaults", "error", err)
		case len(fetched) == 0:
			slog.Warn("location source returned no locations, using defaults")
		default:
			selectors = fetched
			fromSource = true
		}
	}
	if len(selectors) == 0 {
		selectors = s.opts.Defaults
	}

	found, unknown := s.catalog.Resolve(selectors)
	if len(unknown) > 0 {
		slog.Warn("unknown locations skipped", "locations", unknown)
	}
	if len(found) == 0 && fromSource {
		found, _ = s.catalog.Resolve(s.opts.Defaults)
	}
	return found
}

// dispatch stores every result and delivers them one at a time in order.
// A failed delivery is logged and dropped.
func (s *Scheduler) dispatch(ctx context.Context, results []*models.ScrapeResult) {
	if len(results) == 0 {
		return
	}
	s.setState(StateDispatching, time.Time{})
	if s.store != nil {
		for _, r := range results {
			s.store.Put(r)
		}
	}
	if s.sink == nil {
		return
	}

	for i, r := range results {
		if ctx.Err() != nil {
			slog.Warn("dispatch interrupted by shutdown", "remaining", len(results)-i)
			return
		}
		notified, err := s.sink.Deliver(ctx, r)
		if err != nil {
			slog.Warn("stock update failed",
				"location", r.Location,
				"storage_id", r.LocationID,
				"error", err,
			)
			continue
		}
		slog.Info("stock update delivered",
			"location", r.Location,
			"has_stock", r.HasStock,
			"available", len(r.AvailableProducts),
			"notified", notified,
		)
	}
}

func (s *Scheduler) setState(st State, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if !next.IsZero() {
		s.nextRun = next
	}
}

func (s *Scheduler) finishRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCount++
	s.lastRun = s.now()
}

func (s *Scheduler) takeForced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.forced
	s.forced = false
	return f
}

// wait sleeps for d, returning early with nil on Trigger and with the
// context error on cancellation.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.trigger:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
