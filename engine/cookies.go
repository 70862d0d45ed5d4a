package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CookieFile persists session cookies as a JSON array so a fresh session
// starts with the clearance earned by the previous one.
type CookieFile struct {
	Path string
}

// Load reads the file. A missing file yields no cookies and no error.
// Expired cookies are dropped.
func (f *CookieFile) Load() ([]Cookie, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cookies: read %s: %w", f.Path, err)
	}
	var all []Cookie
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("cookies: decode %s: %w", f.Path, err)
	}
	now := float64(time.Now().Unix())
	live := all[:0]
	for _, c := range all {
		if c.Expires > 0 && c.Expires < now {
			continue
		}
		live = append(live, c)
	}
	return live, nil
}

// Save writes cookies atomically.
func (f *CookieFile) Save(cookies []Cookie) error {
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("cookies: encode: %w", err)
	}
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cookies: create dir: %w", err)
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cookies: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("cookies: rename: %w", err)
	}
	return nil
}

// Restore loads the file into s. Failures are logged and otherwise ignored.
func (f *CookieFile) Restore(ctx context.Context, s Session) {
	cookies, err := f.Load()
	if err != nil {
		slog.Warn("cookie load failed", "path", f.Path, "error", err)
		return
	}
	if len(cookies) == 0 {
		return
	}
	if err := s.SetCookies(ctx, cookies); err != nil {
		slog.Warn("cookie restore failed", "path", f.Path, "error", err)
		return
	}
	slog.Debug("cookies restored", "path", f.Path, "count", len(cookies))
}

// Persist saves the cookies of s. Failures are logged and otherwise ignored.
func (f *CookieFile) Persist(ctx context.Context, s Session) {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		slog.Warn("cookie read failed", "error", err)
		return
	}
	if err := f.Save(cookies); err != nil {
		slog.Warn("cookie save failed", "path", f.Path, "error", err)
		return
	}
	slog.Debug("cookies saved", "path", f.Path, "count", len(cookies))
}
