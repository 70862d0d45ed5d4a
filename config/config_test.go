package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "rod", cfg.Browser.Backend)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, DefaultListingURL, cfg.Scraper.ListingURL)
	assert.Equal(t, 3, cfg.Scraper.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Scraper.ElementTimeout)
	assert.Equal(t, 5, cfg.Scraper.MinProducts)
	assert.Equal(t, 90*time.Second, cfg.Scraper.ChallengeTimeout)
	assert.Equal(t, 2, cfg.Batch.RecycleEvery)
	assert.Equal(t, 8, cfg.Scheduler.StartHour)
	assert.Equal(t, 20, cfg.Scheduler.EndHour)
	assert.Equal(t, 100*time.Second, cfg.Scheduler.BaseInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RandomVariation)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.MinInterval)
	assert.Equal(t, []string{"bandung"}, cfg.Scheduler.DefaultLocations)
	assert.Equal(t, "http://localhost:3000", cfg.Sink.ServerURL)
	assert.Equal(t, "/api/stock/update", cfg.Sink.UpdatePath)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHECKER_BACKEND", "HTTP")
	t.Setenv("CHECKER_BASE_INTERVAL", "120")
	t.Setenv("CHECKER_RANDOM_VARIATION", "45s")
	t.Setenv("CHECKER_RECYCLE_EVERY", "3")
	t.Setenv("CHECKER_DEFAULT_LOCATIONS", "bandung, surabaya ,")
	t.Setenv("SERVER_URL", "https://notify.example.com/")
	t.Setenv("CHECKER_TIMEZONE", "Asia/Jakarta")

	cfg := Load()

	assert.Equal(t, "http", cfg.Browser.Backend)
	assert.Equal(t, 120*time.Second, cfg.Scheduler.BaseInterval)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.RandomVariation)
	assert.Equal(t, 3, cfg.Batch.RecycleEvery)
	assert.Equal(t, []string{"bandung", "surabaya"}, cfg.Scheduler.DefaultLocations)
	assert.Equal(t, "https://notify.example.com", cfg.Sink.ServerURL)
	assert.Equal(t, "Asia/Jakarta", cfg.Scheduler.Timezone.String())
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("CHECKER_MAX_RETRIES", "many")
	t.Setenv("CHECKER_HEADLESS", "sometimes")
	t.Setenv("CHECKER_TIMEZONE", "Mars/Olympus")

	cfg := Load()

	assert.Equal(t, 3, cfg.Scraper.MaxRetries)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, time.Local, cfg.Scheduler.Timezone)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Browser.Backend = "selenium" }},
		{"cdp without url", func(c *Config) { c.Browser.Backend = "cdp" }},
		{"hour out of range", func(c *Config) { c.Scheduler.EndHour = 25 }},
		{"recycle zero", func(c *Config) { c.Batch.RecycleEvery = 0 }},
		{"negative retries", func(c *Config) { c.Scraper.MaxRetries = -1 }},
		{"zero base interval", func(c *Config) { c.Scheduler.BaseInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHECKER_TEST_ONLY_KEY=from-file\nCHECKER_TEST_PRESET=from-file\n"), 0o600))
	t.Setenv("CHECKER_TEST_PRESET", "from-env")
	t.Cleanup(func() { os.Unsetenv("CHECKER_TEST_ONLY_KEY") })

	require.NoError(t, LoadEnvFile(path))

	assert.Equal(t, "from-file", os.Getenv("CHECKER_TEST_ONLY_KEY"))
	assert.Equal(t, "from-env", os.Getenv("CHECKER_TEST_PRESET"))
}

func TestLoadEnvFile_MissingIsIgnored(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, LoadEnvFile(""))
}
