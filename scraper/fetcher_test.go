package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/stockwatch/models"
)

func navigated(t *testing.T, s *fakeSession) {
	t.Helper()
	require.NoError(t, s.Navigate(context.Background(), testLocationURL, 0))
}

func TestFetch_AcceptsFirstParse(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSession()
	navigated(t, s)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.Len(t, out.Products, 6)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.FallbackUsed)
	assert.Empty(t, clock.Sleeps())
	require.NotEmpty(t, s.blocking)
	assert.Contains(t, s.blocking[0], "*.css")
}

func TestFetch_RetriesWithLinearBackoff(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSession()
	// probe, first parse, retry 1, retry 2
	s.setPages(testListingURL, listingPage(2), listingPage(2), listingPage(3), listingPage(7))
	navigated(t, s)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.Len(t, out.Products, 7)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestFetch_FallbackAfterRetriesExhausted(t *testing.T) {
	clock := newFakeClock()
	s := &reloadingSession{fakeSession: newFakeSession(), afterReload: []string{listingPage(8)}}
	s.setPages(testListingURL, listingPage(1))
	_ = s.Navigate(context.Background(), testLocationURL, 0)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.True(t, out.FallbackUsed)
	assert.Len(t, out.Products, 8)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, []bool{true}, s.reloads)
	require.Len(t, s.blocking, 2)
	assert.Empty(t, s.blocking[1], "fallback clears every blocking rule")
	assert.Equal(t,
		[]time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second},
		clock.Sleeps())
}

func TestFetch_FallbackNavigatesWhenReloadFails(t *testing.T) {
	clock := newFakeClock()
	s := &reloadingSession{fakeSession: newFakeSession()}
	s.reloadErr = errors.New("reload unsupported")
	s.setPages(testListingURL, listingPage(1))
	_ = s.Navigate(context.Background(), testLocationURL, 0)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, []string{testLocationURL, testListingURL, testListingURL}, s.navigations)
}

func TestFetch_NoFallbackWithoutStylesheetBlocking(t *testing.T) {
	clock := newFakeClock()
	s := &reloadingSession{fakeSession: newFakeSession()}
	s.setPages(testListingURL, listingPage(2))
	_ = s.Navigate(context.Background(), testLocationURL, 0)
	cfg := testFetchConfig()
	cfg.BlockStylesheets = false
	cfg.MaxRetries = 2

	out, err := testFetcher(clock, cfg).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.False(t, out.FallbackUsed)
	assert.Len(t, out.Products, 2)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, s.reloads)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestFetch_NoFallbackWhenBlockingFailed(t *testing.T) {
	clock := newFakeClock()
	s := &reloadingSession{fakeSession: newFakeSession()}
	s.blockErr = errors.New("network domain unavailable")
	s.setPages(testListingURL, listingPage(0))
	_ = s.Navigate(context.Background(), testLocationURL, 0)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.False(t, out.FallbackUsed)
	assert.Empty(t, out.Products)
	assert.NotNil(t, out.Products)
}

func TestFetch_ListingNavigationFailureIsError(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSession()
	s.navErr[testListingURL] = models.NewScrapeError(models.ErrCodeNavigation, "navigation failed", errors.New("net::ERR_TIMED_OUT"))

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	assert.Nil(t, out)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNavigation, models.CodeOf(err))
}

func TestFetch_ChallengeTimeoutIsBlocked(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSession()
	s.setPages(testListingURL, challengePage)
	navigated(t, s)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Empty(t, out.Products)
	assert.Zero(t, out.Attempts)
}

func TestFetch_ContainerWaitFailureTolerated(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSession()
	s.waitErr[".ct-body"] = models.NewScrapeError(models.ErrCodeTimeout, "element not found", nil)
	navigated(t, s)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.Len(t, out.Products, 6)
}

func TestFetch_ZeroMinProductsUsesDefault(t *testing.T) {
	cfg := testFetchConfig()
	cfg.MinProducts = 0

	f := NewFetcher(cfg, nil, nil)

	assert.Equal(t, DefaultMinProducts, f.cfg.MinProducts)
}

func TestFetch_LatestParseWins(t *testing.T) {
	clock := newFakeClock()
	s := &reloadingSession{fakeSession: newFakeSession(), afterReload: []string{listingPage(2)}}
	// challenge check, first parse, then three retries
	s.setPages(testListingURL, listingPage(4), listingPage(4), listingPage(3), listingPage(3), listingPage(3))
	_ = s.Navigate(context.Background(), testLocationURL, 0)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.True(t, out.FallbackUsed)
	assert.Len(t, out.Products, 2, "the fallback reload replaces the earlier, larger parse")
}

func TestFetch_FailedReadClearsProducts(t *testing.T) {
	clock := newFakeClock()
	s := &failingReadSession{fakeSession: newFakeSession(), failFrom: 3}
	s.setPages(testListingURL, listingPage(4))
	cfg := testFetchConfig()
	cfg.BlockStylesheets = false
	cfg.MaxRetries = 1
	_ = s.Navigate(context.Background(), testLocationURL, 0)

	out, err := testFetcher(clock, cfg).Fetch(context.Background(), s)

	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Empty(t, out.Products)
	assert.NotNil(t, out.Products)
}

func TestFetch_CrashDuringChallengeIsError(t *testing.T) {
	clock := newFakeClock()
	s := newFakeSession()
	s.titleErr = models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to read title", errors.New("target closed"))
	navigated(t, s)

	out, err := testFetcher(clock, testFetchConfig()).Fetch(context.Background(), s)

	assert.Nil(t, out)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeBrowserCrash, models.CodeOf(err))
	assert.Empty(t, clock.Sleeps())
}

// failingReadSession fails every HTML read from the failFrom-th on.
type failingReadSession struct {
	*fakeSession
	reads    int
	failFrom int
}

func (f *failingReadSession) HTML(ctx context.Context) (string, error) {
	f.reads++
	if f.reads >= f.failFrom {
		return "", models.NewScrapeError(models.ErrCodeNavigation, "failed to extract page HTML", errors.New("node detached"))
	}
	return f.fakeSession.HTML(ctx)
}
