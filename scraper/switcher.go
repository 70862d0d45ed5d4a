package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/use-agent/stockwatch/catalog"
	"github.com/use-agent/stockwatch/engine"
	"github.com/use-agent/stockwatch/models"
)

// selectLocationJS picks the option matching token in the page's first
// select control, fires change and clicks the submit control, all in one
// evaluation so no navigation can interleave. Whole-word matches win over
// plain substring matches, mirroring engine.MatchOption.
const selectLocationJS = `(token) => {
	const sel = document.querySelector('select');
	if (!sel) return 'no-select';
	const t = String(token).toLowerCase();
	const opts = Array.from(sel.options);
	const esc = t.replace(/[.*+?^${}()|[\]\\]/g, '\\$&');
	const word = new RegExp('(^|[^a-z0-9])' + esc + '([^a-z0-9]|$)');
	let idx = opts.findIndex(o => word.test(o.text.toLowerCase()));
	if (idx < 0) idx = opts.findIndex(o => o.text.toLowerCase().includes(t));
	if (idx < 0) return 'no-match';
	sel.selectedIndex = idx;
	sel.dispatchEvent(new Event('change', { bubbles: true }));
	const form = sel.closest('form');
	const btn = document.querySelector('.btn-primary') ||
		(form && form.querySelector('[type=submit]'));
	if (!btn) return 'no-submit';
	btn.click();
	return 'ok:' + opts[idx].text.trim();
}`

// Switcher selects a storage location on the location-selection page.
type Switcher struct {
	ElementTimeout time.Duration
	PostSubmitWait time.Duration

	sleep SleepFunc
}

// NewSwitcher creates a Switcher.
func NewSwitcher(elementTimeout, postSubmitWait time.Duration) *Switcher {
	return &Switcher{
		ElementTimeout: elementTimeout,
		PostSubmitWait: postSubmitWait,
		sleep:          sleepCtx,
	}
}

// Switch selects loc on the current page and submits the form. It returns
// the chosen option text. The caller must already be on the selection page.
func (w *Switcher) Switch(ctx context.Context, s engine.Session, loc models.Location) (string, error) {
	if err := s.WaitElement(ctx, "select", w.ElementTimeout); err != nil {
		return "", models.NewScrapeError(models.ErrCodeLocationSelect, "location selector not found", err)
	}

	token := catalog.LeadingToken(loc.DisplayName)
	var chosen string
	if fs, ok := s.(engine.FormSelector); ok {
		text, err := fs.SelectOption(ctx, token)
		if err != nil {
			return "", asSelectError(err)
		}
		chosen = text
	} else {
		res, err := s.RunScript(ctx, selectLocationJS, token)
		if err != nil {
			return "", asSelectError(err)
		}
		text, ok := strings.CutPrefix(res, "ok:")
		if !ok {
			return "", models.NewScrapeError(models.ErrCodeLocationSelect,
				fmt.Sprintf("%s (token %q)", res, token), nil)
		}
		chosen = text
	}

	slog.Debug("location selected", "location", loc.Key, "option", chosen)
	if w.PostSubmitWait > 0 {
		if err := w.sleep(ctx, w.PostSubmitWait); err != nil {
			return chosen, err
		}
	}
	return chosen, nil
}

func asSelectError(err error) error {
	if models.HasCode(err, models.ErrCodeLocationSelect) || models.HasCode(err, models.ErrCodeBrowserCrash) {
		return err
	}
	return models.NewScrapeError(models.ErrCodeLocationSelect, "location selection failed", err)
}
