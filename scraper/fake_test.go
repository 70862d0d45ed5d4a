package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/stockwatch/engine"
	"github.com/use-agent/stockwatch/models"
	"github.com/use-agent/stockwatch/parser"
)

const (
	testLocationURL = "https://shop.test/change-location"
	testListingURL  = "https://shop.test/purchase/gold"
)

const challengePage = `<html><head><title>Just a moment...</title></head><body>Checking your browser before accessing.</body></html>`

const locationPage = `<html><head><title>Ubah Lokasi</title></head><body><form><select><option>Bandung</option></select></form></body></html>`

func listingPage(n int) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>Emas Batangan</title></head><body><div class="ct-body">`)
	for i := 1; i <= n; i++ {
		stock := ""
		if i%2 == 0 {
			stock = `<span class="no-stock">Belum tersedia</span>`
		}
		fmt.Fprintf(&b, `<div class="ctr"><div class="ctd item-1"><span class="ngc-text">Emas Batangan %d gram</span></div><div class="ctd item-2">Rp%d</div>%s</div>`, i, i*1000, stock)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

// docSeq is a sequence of documents; each HTML read consumes one and the
// last one repeats.
type docSeq struct {
	docs []string
	i    int
}

func (d *docSeq) peek() string { return d.docs[d.i] }

func (d *docSeq) next() string {
	doc := d.docs[d.i]
	if d.i < len(d.docs)-1 {
		d.i++
	}
	return doc
}

type fakeSession struct {
	mu sync.Mutex

	pages      map[string]*docSeq
	navErr     map[string]error
	current    string
	onNavigate func(url string)
	panicOn    string

	scriptResult string
	scriptErr    error
	scriptArgs   []any

	waitErr   map[string]error
	titleErr  error
	blockErr  error
	reloadErr error

	navigations []string
	blocking    [][]string
	reloads     []bool
	humanized   int
	closed      int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		pages: map[string]*docSeq{
			testLocationURL: {docs: []string{locationPage}},
			testListingURL:  {docs: []string{listingPage(6)}},
		},
		navErr:       map[string]error{},
		waitErr:      map[string]error{},
		scriptResult: "ok:Bandung",
	}
}

func (f *fakeSession) setPages(url string, docs ...string) {
	f.pages[url] = &docSeq{docs: docs}
}

func (f *fakeSession) Navigate(_ context.Context, url string, _ time.Duration) error {
	f.mu.Lock()
	f.navigations = append(f.navigations, url)
	hook := f.onNavigate
	f.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if f.panicOn == url {
		panic("renderer exploded")
	}
	if err := f.navErr[url]; err != nil {
		return err
	}
	f.current = url
	return nil
}

func (f *fakeSession) Reload(context.Context, bool) error { return nil }

func (f *fakeSession) RunScript(_ context.Context, _ string, args ...any) (string, error) {
	f.scriptArgs = args
	return f.scriptResult, f.scriptErr
}

func (f *fakeSession) HTML(context.Context) (string, error) {
	seq, ok := f.pages[f.current]
	if !ok {
		return "", nil
	}
	return seq.next(), nil
}

func (f *fakeSession) Title(context.Context) (string, error) {
	if f.titleErr != nil {
		return "", f.titleErr
	}
	seq, ok := f.pages[f.current]
	if !ok {
		return "", nil
	}
	doc := seq.peek()
	start := strings.Index(doc, "<title>")
	end := strings.Index(doc, "</title>")
	if start < 0 || end < start {
		return "", nil
	}
	return doc[start+len("<title>") : end], nil
}

func (f *fakeSession) WaitElement(_ context.Context, selector string, _ time.Duration) error {
	return f.waitErr[selector]
}

func (f *fakeSession) SetResourceBlocking(patterns []string) error {
	f.blocking = append(f.blocking, patterns)
	return f.blockErr
}

func (f *fakeSession) Cookies(context.Context) ([]engine.Cookie, error) { return nil, nil }

func (f *fakeSession) SetCookies(context.Context, []engine.Cookie) error { return nil }

func (f *fakeSession) Humanize(context.Context) error {
	f.humanized++
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// staticSession reports its document as unchanging between navigations.
type staticSession struct {
	*fakeSession
}

func (s *staticSession) Static() bool { return true }

// reloadingSession records reloads, which the plain fake ignores.
type reloadingSession struct {
	*fakeSession
	afterReload []string
}

func (r *reloadingSession) Reload(_ context.Context, ignoreCache bool) error {
	r.reloads = append(r.reloads, ignoreCache)
	if r.reloadErr != nil {
		return r.reloadErr
	}
	if r.afterReload != nil {
		r.setPages(r.current, r.afterReload...)
	}
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	make     func(n int) engine.Session
	failFrom int // 1-based launch number from which launches fail; 0 never
	launched []engine.Session
}

func (l *fakeLauncher) Name() string { return "fake" }

func (l *fakeLauncher) Launch(context.Context) (engine.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.launched) + 1
	if l.failFrom > 0 && n >= l.failFrom {
		return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "failed to launch browser", errors.New("chromium exited"))
	}
	var s engine.Session
	if l.make != nil {
		s = l.make(n)
	} else {
		s = newFakeSession()
	}
	l.launched = append(l.launched, s)
	return s, nil
}

// fakeClock drives detector deadlines and records every sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func testDetector(c *fakeClock, timeout time.Duration) *ChallengeDetector {
	d := NewChallengeDetector(timeout)
	d.sleep = c.Sleep
	d.now = c.Now
	return d
}

func testFetchConfig() FetchConfig {
	return FetchConfig{
		ListingURL:        testListingURL,
		ContainerSelector: ".ct-body",
		BlockStylesheets:  true,
		MaxRetries:        3,
		ElementTimeout:    10 * time.Second,
		NavigationTimeout: 30 * time.Second,
		MinProducts:       5,
		RetryBackoff:      time.Second,
		FallbackWait:      3 * time.Second,
	}
}

func testFetcher(c *fakeClock, cfg FetchConfig) *Fetcher {
	f := NewFetcher(cfg, parser.Default(), testDetector(c, 90*time.Second))
	f.sleep = c.Sleep
	return f
}

func testBatch(c *fakeClock, l engine.Launcher, recycleEvery int) *BatchManager {
	d := testDetector(c, 90*time.Second)
	w := NewSwitcher(10*time.Second, time.Second)
	w.sleep = c.Sleep
	f := NewFetcher(testFetchConfig(), parser.Default(), d)
	f.sleep = c.Sleep
	return NewBatchManager(BatchConfig{
		LocationURL:       testLocationURL,
		NavigationTimeout: 30 * time.Second,
		RecycleEvery:      recycleEvery,
	}, l, d, w, f, nil)
}

var testLocations = []models.Location{
	{Key: "jakarta", StorageID: "200", DisplayName: "Jakarta"},
	{Key: "bandung", StorageID: "201", DisplayName: "Bandung"},
	{Key: "surabaya", StorageID: "202", DisplayName: "Surabaya"},
	{Key: "medan", StorageID: "206", DisplayName: "Medan"},
	{Key: "bali", StorageID: "209", DisplayName: "Bali"},
}
