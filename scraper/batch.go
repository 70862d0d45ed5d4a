package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/use-agent/stockwatch/engine"
	"github.com/use-agent/stockwatch/models"
)

// SessionState is the lifecycle of the live session within one visit.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateNavigating SessionState = "navigating"
	StateExtracting SessionState = "extracting"
	StateBlocked    SessionState = "blocked"
	StateReady      SessionState = "ready"
	StateClosed     SessionState = "closed"
)

// BatchConfig controls a batch run.
type BatchConfig struct {
	LocationURL       string
	NavigationTimeout time.Duration

	// RecycleEvery is how many locations one session serves before it is
	// closed and a fresh one launched.
	RecycleEvery int
}

// BatchReport summarises one batch run.
type BatchReport struct {
	Results  []*models.ScrapeResult
	Recycles int
	Launches int
	Elapsed  time.Duration
}

// BatchManager checks locations one after another against a periodically
// recycled session. Only one session is live at a time.
type BatchManager struct {
	cfg      BatchConfig
	launcher engine.Launcher
	detector *ChallengeDetector
	switcher *Switcher
	fetcher  *Fetcher
	cookies  *engine.CookieFile

	nextID int64
}

// NewBatchManager creates a BatchManager. cookies may be nil.
func NewBatchManager(cfg BatchConfig, l engine.Launcher, d *ChallengeDetector, w *Switcher, f *Fetcher, cookies *engine.CookieFile) *BatchManager {
	if cfg.RecycleEvery < 1 {
		cfg.RecycleEvery = 1
	}
	return &BatchManager{cfg: cfg, launcher: l, detector: d, switcher: w, fetcher: f, cookies: cookies}
}

// Run checks locs in order and returns one result per visited location.
//
// A location failure only affects that location's result. A launch failure
// ends the batch and returns the results gathered so far together with the
// error. Cancellation of ctx is honored between locations; a location that
// has started runs to completion.
func (m *BatchManager) Run(ctx context.Context, locs []models.Location) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{Results: make([]*models.ScrapeResult, 0, len(locs))}
	defer func() { report.Elapsed = time.Since(start) }()

	var lease *engine.Lease
	defer func() {
		if lease != nil {
			m.release(lease)
		}
	}()

	for i, loc := range locs {
		if err := ctx.Err(); err != nil {
			slog.Info("batch interrupted", "done", i, "total", len(locs))
			return report, err
		}

		if lease != nil && lease.ShouldRetire() {
			slog.Info("recycling session", "session", lease.ID, "uses", lease.Uses(),
				"age", lease.Age().Round(time.Millisecond))
			m.release(lease)
			lease = nil
			report.Recycles++
		}

		if lease == nil {
			s, err := m.launcher.Launch(ctx)
			if err != nil {
				if !models.HasCode(err, models.ErrCodeSessionLaunch) {
					err = models.NewScrapeError(models.ErrCodeSessionLaunch, "session launch failed", err)
				}
				slog.Error("session launch failed, ending batch",
					"backend", m.launcher.Name(), "done", i, "total", len(locs), "error", err)
				return report, err
			}
			m.nextID++
			lease = engine.NewLease(m.nextID, s, m.cfg.RecycleEvery)
			report.Launches++
			slog.Debug("session launched", "session", lease.ID, "backend", m.launcher.Name(), "state", StateIdle)
			if m.cookies != nil {
				m.cookies.Restore(ctx, s)
			}
		}

		res, crashed := m.visit(context.WithoutCancel(ctx), lease, loc)
		lease.RecordUse(crashed)
		report.Results = append(report.Results, res)

		slog.Info("location checked",
			"location", loc.Key,
			"storage_id", loc.StorageID,
			"has_stock", res.HasStock,
			"blocked", res.Blocked,
			"products", res.TotalProducts,
			"elapsed", res.ElapsedSeconds,
			"error", res.Error,
		)
	}
	return report, nil
}

// visit runs one location end to end. Every failure, including a panic,
// becomes an error-tagged result.
func (m *BatchManager) visit(ctx context.Context, lease *engine.Lease, loc models.Location) (res *models.ScrapeResult, crashed bool) {
	start := time.Now()
	s := lease.Session
	log := slog.With("location", loc.Key, "session", lease.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during location check", "panic", r, "stack", string(debug.Stack()))
			err := models.NewScrapeError(models.ErrCodeInternal, fmt.Sprintf("panic: %v", r), nil)
			res, crashed = models.NewErrorResult(loc, err, time.Since(start)), true
		}
	}()

	fail := func(err error) (*models.ScrapeResult, bool) {
		log.Warn("location check failed", "error", err)
		return models.NewErrorResult(loc, err, time.Since(start)), isCrash(err)
	}

	log.Debug("session state", "state", StateNavigating)
	if err := s.Navigate(ctx, m.cfg.LocationURL, m.cfg.NavigationTimeout); err != nil {
		return fail(err)
	}
	if state, perr := m.detector.Wait(ctx, ProbeFor(s)); state == ChallengeTimedOut {
		if isCrash(perr) {
			return fail(perr)
		}
		log.Debug("session state", "state", StateBlocked)
		return models.NewBlockedResult(loc, time.Since(start)), false
	}
	if _, err := m.switcher.Switch(ctx, s, loc); err != nil {
		return fail(err)
	}

	log.Debug("session state", "state", StateExtracting)
	out, err := m.fetcher.Fetch(ctx, s)
	if err != nil {
		return fail(err)
	}
	if out.Blocked {
		log.Debug("session state", "state", StateBlocked)
		return models.NewBlockedResult(loc, time.Since(start)), out.Crashed
	}

	log.Debug("session state", "state", StateReady,
		"attempts", out.Attempts, "fallback", out.FallbackUsed)
	return models.NewScrapeResult(loc, out.Products, time.Since(start)), out.Crashed
}

func (m *BatchManager) release(l *engine.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Release(ctx, m.cookies); err != nil {
		slog.Warn("session close failed", "session", l.ID, "error", err)
	}
	slog.Debug("session state", "session", l.ID, "state", StateClosed)
}
