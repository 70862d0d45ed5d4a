package scraper

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/stockwatch/engine"
	"github.com/use-agent/stockwatch/models"
	"github.com/use-agent/stockwatch/parser"
)

// DefaultMinProducts is the product count at which a parse is trusted.
// The full gold listing has well over this many rows.
const DefaultMinProducts = 5

// FetchConfig parameterizes the listing fetch ladder.
type FetchConfig struct {
	ListingURL        string
	ContainerSelector string
	BlockStylesheets  bool
	MaxRetries        int
	ElementTimeout    time.Duration
	NavigationTimeout time.Duration
	MinProducts       int
	RetryBackoff      time.Duration
	FallbackWait      time.Duration
}

// FetchOutcome is the result of one listing fetch.
type FetchOutcome struct {
	Products []models.ProductRecord

	// Attempts counts parses, including the fallback pass.
	Attempts int

	// FallbackUsed is set when the unblocked reload ran.
	FallbackUsed bool

	// Blocked is set when the listing stayed behind a bot challenge.
	Blocked bool

	// Crashed is set when the session reported a browser-level failure.
	Crashed bool
}

// Fetcher loads the product listing and applies the retry/fallback ladder.
type Fetcher struct {
	cfg      FetchConfig
	parser   *parser.Parser
	detector *ChallengeDetector

	sleep SleepFunc
}

// NewFetcher creates a Fetcher. Zero MinProducts means DefaultMinProducts.
func NewFetcher(cfg FetchConfig, p *parser.Parser, d *ChallengeDetector) *Fetcher {
	if cfg.MinProducts <= 0 {
		cfg.MinProducts = DefaultMinProducts
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Fetcher{cfg: cfg, parser: p, detector: d, sleep: sleepCtx}
}

// Fetch runs the ladder on s, which must already carry the selected
// location. Only a failed navigation to the listing or a browser crash
// during the challenge wait is an error; every later problem yields a
// possibly empty outcome.
func (f *Fetcher) Fetch(ctx context.Context, s engine.Session) (*FetchOutcome, error) {
	out := &FetchOutcome{Products: []models.ProductRecord{}}

	// 1. Resource-blocking profile.
	stylesBlocked := false
	if err := s.SetResourceBlocking(engine.BlockPatterns(engine.BlockOptions{Stylesheets: f.cfg.BlockStylesheets})); err != nil {
		slog.Warn("resource blocking not applied", "error", err)
		out.Crashed = isCrash(err)
	} else {
		stylesBlocked = f.cfg.BlockStylesheets
	}

	// 2. Listing navigation.
	if err := s.Navigate(ctx, f.cfg.ListingURL, f.cfg.NavigationTimeout); err != nil {
		return nil, err
	}

	// 3. Challenge. A browser lost while waiting is an error.
	if state, perr := f.detector.Wait(ctx, ProbeFor(s)); state == ChallengeTimedOut {
		if isCrash(perr) {
			return nil, perr
		}
		out.Blocked = true
		return out, nil
	}

	// 4-5. Container wait and first parse.
	f.waitContainer(ctx, s)
	f.parse(ctx, s, out)
	if f.enough(out) {
		return out, nil
	}

	// 6. Re-parses with linear backoff.
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		wait := time.Duration(attempt+1) * f.cfg.RetryBackoff
		slog.Info("too few products, retrying",
			"products", len(out.Products), "attempt", attempt+1, "wait", wait)
		if err := f.sleep(ctx, wait); err != nil {
			return out, nil
		}
		f.parse(ctx, s, out)
		if f.enough(out) {
			return out, nil
		}
	}

	// 7. Fallback: unblocked, cache-bypassing reload.
	if !stylesBlocked {
		return out, nil
	}
	slog.Info("retries exhausted, reloading without resource blocking", "products", len(out.Products))
	out.FallbackUsed = true
	if err := s.SetResourceBlocking(nil); err != nil {
		slog.Warn("clear resource blocking failed", "error", err)
	}
	if err := s.Reload(ctx, true); err != nil {
		slog.Debug("reload failed, navigating instead", "error", err)
		if nerr := s.Navigate(ctx, f.cfg.ListingURL, f.cfg.NavigationTimeout); nerr != nil {
			slog.Warn("fallback navigation failed", "error", nerr)
			out.Crashed = out.Crashed || isCrash(nerr)
			return out, nil
		}
	}
	if err := f.sleep(ctx, f.cfg.FallbackWait); err != nil {
		return out, nil
	}
	f.waitContainer(ctx, s)
	f.parse(ctx, s, out)
	return out, nil
}

func (f *Fetcher) enough(out *FetchOutcome) bool {
	return len(out.Products) >= f.cfg.MinProducts
}

func (f *Fetcher) waitContainer(ctx context.Context, s engine.Session) {
	if f.cfg.ContainerSelector == "" {
		return
	}
	if err := s.WaitElement(ctx, f.cfg.ContainerSelector, f.cfg.ElementTimeout); err != nil {
		slog.Debug("product container not found, parsing anyway",
			"selector", f.cfg.ContainerSelector, "error", err)
	}
}

// parse reads the document. The latest parse always replaces earlier
// ones; a failed read leaves an empty product set.
func (f *Fetcher) parse(ctx context.Context, s engine.Session, out *FetchOutcome) {
	out.Attempts++
	body, err := s.HTML(ctx)
	if err != nil {
		slog.Warn("read document failed", "attempt", out.Attempts, "error", err)
		out.Crashed = out.Crashed || isCrash(err)
		out.Products = []models.ProductRecord{}
		return
	}
	out.Products = f.parser.Parse(body)
	slog.Debug("listing parsed", "attempt", out.Attempts, "products", len(out.Products))
}

func isCrash(err error) bool {
	return models.HasCode(err, models.ErrCodeBrowserCrash)
}
