package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/models"
)

// RodLauncher starts Chromium sessions through rod. With a CDP URL it
// attaches to an existing browser instead and never kills it.
type RodLauncher struct {
	cfg  config.BrowserConfig
	name string
}

// NewRodLauncher creates a launcher for a locally spawned browser.
func NewRodLauncher(cfg config.BrowserConfig) *RodLauncher {
	return &RodLauncher{cfg: cfg, name: "rod"}
}

// NewCDPLauncher creates a launcher that attaches to cfg.CDPURL.
func NewCDPLauncher(cfg config.BrowserConfig) *RodLauncher {
	return &RodLauncher{cfg: cfg, name: "cdp"}
}

func (l *RodLauncher) Name() string { return l.name }

// Launch starts (or attaches to) a browser and opens one stealth page.
func (l *RodLauncher) Launch(ctx context.Context) (Session, error) {
	connCtx, disconnect := context.WithCancel(context.Background())

	var (
		controlURL string
		proc       *launcher.Launcher
	)
	if l.name == "cdp" {
		controlURL = l.cfg.CDPURL
	} else {
		proc = l.newProcess()
		u, err := proc.Context(ctx).Launch()
		if err != nil {
			disconnect()
			return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "failed to launch browser", err)
		}
		controlURL = u
		slog.Debug("browser launched", "controlURL", controlURL, "profile", l.cfg.ProfileDir)
	}

	browser := rod.New().Context(connCtx).ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		disconnect()
		if proc != nil {
			proc.Kill()
		}
		return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "failed to connect to browser", err)
	}

	s := &rodSession{
		browser:    browser,
		proc:       proc,
		disconnect: disconnect,
		attached:   proc == nil,
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = s.Close()
		return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "failed to create page", err)
	}
	s.page = page

	// Stealth must be installed before the first navigation.
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
	if l.cfg.AcceptLanguage != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(map[string]string{"Accept-Language": l.cfg.AcceptLanguage}),
		}.Call(page)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1024, Height: 768, DeviceScaleFactor: 1,
	}); err != nil {
		slog.Debug("set viewport failed", "error", err)
	}
	return s, nil
}

func (l *RodLauncher) newProcess() *launcher.Launcher {
	p := launcher.New().
		Headless(l.cfg.Headless).
		NoSandbox(l.cfg.NoSandbox)

	if l.cfg.ProfileDir != "" {
		p = p.UserDataDir(l.cfg.ProfileDir)
	}
	if l.cfg.BrowserBin != "" {
		p = p.Bin(l.cfg.BrowserBin)
	}
	if l.cfg.Proxy != "" {
		p = p.Proxy(l.cfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	p.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	p.Delete(flags.Flag("enable-automation"))
	p.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	p.Set(flags.Flag("disable-popup-blocking"))
	p.Set(flags.Flag("disable-renderer-backgrounding"))
	p.Set(flags.Flag("disable-background-timer-throttling"))
	p.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	p.Set(flags.Flag("disable-component-update"))
	p.Set(flags.Flag("disable-default-apps"))
	p.Set(flags.Flag("disable-dev-shm-usage"))
	p.Set(flags.Flag("disable-extensions"))
	p.Set(flags.Flag("disable-gpu"))
	p.Set(flags.Flag("no-first-run"))
	p.Set(flags.Flag("lang"), "id-ID")
	return p
}

// rodSession is a single page on a rod browser.
type rodSession struct {
	browser    *rod.Browser
	page       *rod.Page
	proc       *launcher.Launcher // nil when attached over CDP
	disconnect context.CancelFunc
	attached   bool

	networkOn bool
	closeOnce sync.Once
}

// withTimeout bounds p by timeout. The returned func releases the timer.
func withTimeout(p *rod.Page, timeout time.Duration) (*rod.Page, func()) {
	if timeout <= 0 {
		return p, func() {}
	}
	p = p.Timeout(timeout)
	return p, func() { p.CancelTimeout() }
}

func (s *rodSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p, release := withTimeout(s.page.Context(ctx), timeout)
	defer release()
	// The waiter must be registered before Navigate or the event is missed.
	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(url); err != nil {
		return categorizeError(err, "navigation to "+url+" failed")
	}
	wait()
	return nil
}

func (s *rodSession) Reload(ctx context.Context, ignoreCache bool) error {
	p := s.page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := (proto.PageReload{IgnoreCache: ignoreCache}).Call(p); err != nil {
		return categorizeError(err, "reload failed")
	}
	wait()
	return nil
}

func (s *rodSession) RunScript(ctx context.Context, js string, args ...any) (string, error) {
	res, err := s.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", categorizeError(err, "script evaluation failed")
	}
	return res.Value.Str(), nil
}

func (s *rodSession) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", categorizeError(err, "failed to extract page HTML")
	}
	return html, nil
}

func (s *rodSession) Title(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", categorizeError(err, "failed to read title")
	}
	return res.Value.Str(), nil
}

func (s *rodSession) WaitElement(ctx context.Context, selector string, timeout time.Duration) error {
	p, release := withTimeout(s.page.Context(ctx), timeout)
	defer release()
	if _, err := p.Element(selector); err != nil {
		return categorizeError(err, fmt.Sprintf("element %q not found", selector))
	}
	return nil
}

// SetResourceBlocking uses Network.setBlockedURLs instead of request
// hijacking so the Fetch domain stays free for navigation waits.
func (s *rodSession) SetResourceBlocking(patterns []string) error {
	if !s.networkOn {
		if err := (proto.NetworkEnable{}).Call(s.page); err != nil {
			return categorizeError(err, "enable network domain")
		}
		s.networkOn = true
	}
	if patterns == nil {
		patterns = []string{}
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: patterns}).Call(s.page); err != nil {
		return categorizeError(err, "set blocked urls")
	}
	return nil
}

func (s *rodSession) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := s.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, categorizeError(err, "read cookies")
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Session {
			ck.Expires = float64(c.Expires)
		}
		out = append(out, ck)
	}
	return out, nil
}

func (s *rodSession) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  proto.TimeSinceEpoch(c.Expires),
		})
	}
	if err := s.page.Context(ctx).SetCookies(params); err != nil {
		return categorizeError(err, "set cookies")
	}
	return nil
}

// Humanize moves the pointer to a random point in the upper-left area of
// the viewport.
func (s *rodSession) Humanize(ctx context.Context) error {
	p := s.page.Context(ctx)
	to := proto.Point{
		X: float64(200 + rand.IntN(401)),
		Y: float64(200 + rand.IntN(301)),
	}
	if err := p.Mouse.MoveLinear(to, 5+rand.IntN(10)); err != nil {
		return categorizeError(err, "pointer move")
	}
	return nil
}

// Close closes the page and then either kills the launched browser or,
// for attached browsers, only drops the connection.
func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		if s.page != nil {
			_ = s.page.Close()
		}
		if !s.attached {
			_ = s.browser.Close()
		}
		s.disconnect()
		if s.proc != nil {
			s.proc.Kill()
		}
	})
	return nil
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
