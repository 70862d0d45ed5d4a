package scraper

import (
	"context"
	"time"

	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/engine"
	"github.com/use-agent/stockwatch/parser"
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewFromConfig wires the detector, switcher, fetcher and batch manager
// from configuration.
func NewFromConfig(cfg *config.Config, l engine.Launcher, p *parser.Parser) *BatchManager {
	sc := cfg.Scraper
	detector := NewChallengeDetector(sc.ChallengeTimeout)
	fetcher := NewFetcher(FetchConfig{
		ListingURL:        sc.ListingURL,
		ContainerSelector: sc.ContainerSelector,
		BlockStylesheets:  sc.BlockStylesheets,
		MaxRetries:        sc.MaxRetries,
		ElementTimeout:    sc.ElementTimeout,
		NavigationTimeout: sc.NavigationTimeout,
		MinProducts:       sc.MinProducts,
		RetryBackoff:      sc.RetryBackoff,
		FallbackWait:      sc.FallbackWait,
	}, p, detector)

	var cookies *engine.CookieFile
	if cfg.Browser.CookiesFile != "" {
		cookies = &engine.CookieFile{Path: cfg.Browser.CookiesFile}
	}

	return NewBatchManager(BatchConfig{
		LocationURL:       sc.LocationURL,
		NavigationTimeout: sc.NavigationTimeout,
		RecycleEvery:      cfg.Batch.RecycleEvery,
	}, l, detector, NewSwitcher(sc.ElementTimeout, sc.PostSubmitWait), fetcher, cookies)
}
