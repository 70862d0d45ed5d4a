package scraper

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/use-agent/stockwatch/engine"
)

// ChallengeState is the outcome of bot-challenge handling for one page.
type ChallengeState int

const (
	ChallengeUnknown ChallengeState = iota
	ChallengePassed
	ChallengeChallenged
	ChallengeTimedOut
)

func (s ChallengeState) String() string {
	switch s {
	case ChallengePassed:
		return "passed"
	case ChallengeChallenged:
		return "challenged"
	case ChallengeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// textSignatures are matched against the title and the visible text.
var textSignatures = []string{
	"just a moment",
	"checking your browser",
	"attention required",
	"blocked",
	"cf-chl",
	"cf-browser-verification",
}

// markupSignatures only appear in attributes and script bodies, which the
// visible text leaves out.
var markupSignatures = []string{
	"cf-chl",
	"cf-browser-verification",
}

// IsChallengePage classifies a document as a bot-challenge interstitial.
func IsChallengePage(title, rawHTML string) bool {
	t := strings.ToLower(title)
	text := strings.ToLower(extractVisibleText(rawHTML))
	for _, sig := range textSignatures {
		if strings.Contains(t, sig) || strings.Contains(text, sig) {
			return true
		}
	}
	markup := strings.ToLower(rawHTML)
	for _, sig := range markupSignatures {
		if strings.Contains(markup, sig) {
			return true
		}
	}
	return false
}

// ChallengeProbe is what the detector needs from a page.
type ChallengeProbe interface {
	IsChallenged(ctx context.Context) (bool, error)
	Humanize(ctx context.Context) error
}

// ProbeFor returns s itself when it implements ChallengeProbe, otherwise a
// probe that classifies its title and HTML.
func ProbeFor(s engine.Session) ChallengeProbe {
	if p, ok := s.(ChallengeProbe); ok {
		return p
	}
	ss, ok := s.(engine.StaticSession)
	return pageProbe{s: s, static: ok && ss.Static()}
}

// staticProbe is implemented by probes whose answer cannot change while
// the detector waits.
type staticProbe interface {
	Static() bool
}

type pageProbe struct {
	s      engine.Session
	static bool
}

func (p pageProbe) Static() bool { return p.static }

func (p pageProbe) IsChallenged(ctx context.Context) (bool, error) {
	title, err := p.s.Title(ctx)
	if err != nil {
		return true, err
	}
	body, err := p.s.HTML(ctx)
	if err != nil {
		return true, err
	}
	return IsChallengePage(title, body), nil
}

func (p pageProbe) Humanize(ctx context.Context) error { return p.s.Humanize(ctx) }

// ChallengeDetector waits out bot challenges within a fixed budget.
type ChallengeDetector struct {
	Timeout time.Duration // default: 90s
	PollMin time.Duration // default: 2s
	PollMax time.Duration // default: 3s

	sleep SleepFunc
	now   func() time.Time
}

// NewChallengeDetector creates a detector with the given budget.
func NewChallengeDetector(timeout time.Duration) *ChallengeDetector {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &ChallengeDetector{
		Timeout: timeout,
		PollMin: 2 * time.Second,
		PollMax: 3 * time.Second,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Wait returns ChallengePassed as soon as the page is not challenged, or
// ChallengeTimedOut once the budget is spent. Probe errors count as
// challenged, and the last one is returned with ChallengeTimedOut. A
// browser crash, a static page or cancellation of ctx ends the wait early
// as timed out.
func (d *ChallengeDetector) Wait(ctx context.Context, probe ChallengeProbe) (ChallengeState, error) {
	challenged, err := probe.IsChallenged(ctx)
	if err == nil && !challenged {
		return ChallengePassed, nil
	}
	if isCrash(err) {
		slog.Warn("browser lost during challenge check", "error", err)
		return ChallengeTimedOut, err
	}
	if sp, ok := probe.(staticProbe); ok && sp.Static() {
		slog.Warn("bot challenge on a static page, not waiting")
		return ChallengeTimedOut, err
	}
	slog.Info("bot challenge detected, waiting", "budget", d.Timeout, "probe_error", err)

	deadline := d.now().Add(d.Timeout)
	for polls := 1; ; polls++ {
		if herr := probe.Humanize(ctx); herr != nil {
			slog.Debug("humanize failed", "error", herr)
		}

		remaining := deadline.Sub(d.now())
		if remaining <= 0 {
			break
		}
		if err := d.sleep(ctx, min(d.pollInterval(), remaining)); err != nil {
			break
		}

		challenged, err = probe.IsChallenged(ctx)
		if err == nil && !challenged {
			slog.Info("bot challenge passed", "polls", polls)
			return ChallengePassed, nil
		}
		if isCrash(err) {
			slog.Warn("browser lost during challenge wait", "polls", polls, "error", err)
			return ChallengeTimedOut, err
		}
		if !d.now().Before(deadline) {
			break
		}
	}
	slog.Warn("bot challenge timed out", "budget", d.Timeout)
	return ChallengeTimedOut, err
}

func (d *ChallengeDetector) pollInterval() time.Duration {
	spread := d.PollMax - d.PollMin
	if spread <= 0 {
		return d.PollMin
	}
	return d.PollMin + rand.N(spread)
}

// extractVisibleText returns the text of the document body, skipping
// script, style and noscript content.
func extractVisibleText(body string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	var buf strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return buf.String()
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "script", "style", "noscript", "title":
				skipDepth++
			}
		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "script", "style", "noscript", "title":
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case html.TextToken:
			if skipDepth == 0 {
				text := strings.TrimSpace(string(tokenizer.Text()))
				if text != "" {
					buf.WriteString(text)
					buf.WriteByte(' ')
				}
			}
		}
	}
}
