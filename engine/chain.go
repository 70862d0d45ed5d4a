package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/models"
)

// Chain tries its launchers in order and returns the first session that
// starts. The backend that last worked is remembered for a while and tried
// first. Launches are strictly sequential, so at most one session is ever
// being started.
type Chain struct {
	launchers []Launcher
	ttl       time.Duration

	mu        sync.Mutex
	preferred string
	expiresAt time.Time
}

// NewChain builds a Chain. A ttl of zero disables the memory.
func NewChain(ttl time.Duration, launchers ...Launcher) *Chain {
	return &Chain{launchers: launchers, ttl: ttl}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.launchers))
	for i, l := range c.launchers {
		names[i] = l.Name()
	}
	return strings.Join(names, ",")
}

// Launch starts a session from the first launcher that succeeds.
func (c *Chain) Launch(ctx context.Context) (Session, error) {
	var errs []error
	for _, l := range c.order() {
		if err := ctx.Err(); err != nil {
			return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "launch canceled", err)
		}
		s, err := l.Launch(ctx)
		if err == nil {
			c.remember(l.Name())
			return s, nil
		}
		slog.Warn("backend launch failed, trying next", "backend", l.Name(), "error", err)
		c.forget(l.Name())
		errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
	}
	if len(errs) == 0 {
		return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "no backend configured", nil)
	}
	return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "all backends failed", errors.Join(errs...))
}

// Preferred returns the remembered backend, or "" if none or expired.
func (c *Chain) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.preferred == "" || time.Now().After(c.expiresAt) {
		c.preferred = ""
		return ""
	}
	return c.preferred
}

func (c *Chain) order() []Launcher {
	pref := c.Preferred()
	if pref == "" {
		return c.launchers
	}
	out := make([]Launcher, 0, len(c.launchers))
	for _, l := range c.launchers {
		if l.Name() == pref {
			out = append(out, l)
		}
	}
	for _, l := range c.launchers {
		if l.Name() != pref {
			out = append(out, l)
		}
	}
	return out
}

func (c *Chain) remember(name string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.preferred = name
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
}

func (c *Chain) forget(name string) {
	c.mu.Lock()
	if c.preferred == name {
		c.preferred = ""
	}
	c.mu.Unlock()
}

// NewLauncher builds the launcher for cfg.Backend, which may be a single
// backend ("rod") or a comma-separated fallback order ("rod,http").
func NewLauncher(cfg config.BrowserConfig) (Launcher, error) {
	names := cfg.Backends()
	launchers := make([]Launcher, 0, len(names))
	for _, name := range names {
		switch name {
		case "rod":
			launchers = append(launchers, NewRodLauncher(cfg))
		case "cdp":
			launchers = append(launchers, NewCDPLauncher(cfg))
		case "http":
			launchers = append(launchers, NewHTTPLauncher(cfg))
		default:
			return nil, fmt.Errorf("engine: unknown backend %q", name)
		}
	}
	switch len(launchers) {
	case 0:
		return nil, errors.New("engine: no backend configured")
	case 1:
		return launchers[0], nil
	default:
		return NewChain(time.Hour, launchers...), nil
	}
}
