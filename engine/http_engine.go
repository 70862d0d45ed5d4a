package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"

	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/models"
)

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// Go's http.Transport cannot speak h2 over a utls connection.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
	maxBody   = 10 << 20
)

// HTTPLauncher creates script-less sessions backed by a plain HTTP client
// with a Chrome TLS fingerprint.
type HTTPLauncher struct {
	cfg config.BrowserConfig
}

// NewHTTPLauncher creates an HTTPLauncher.
func NewHTTPLauncher(cfg config.BrowserConfig) *HTTPLauncher {
	return &HTTPLauncher{cfg: cfg}
}

func (l *HTTPLauncher) Name() string { return "http" }

// Launch builds a fresh client with an empty cookie jar.
func (l *HTTPLauncher) Launch(ctx context.Context) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeSessionLaunch, "failed to create cookie jar", err)
	}
	if l.cfg.Proxy != "" {
		slog.Warn("proxy is ignored by the http backend", "proxy", l.cfg.Proxy)
	}
	transport := &http.Transport{
		DialTLSContext:    dialChromeTLS,
		ForceAttemptHTTP2: false,
		IdleConnTimeout:   90 * time.Second,
	}
	return &httpSession{
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		acceptLanguage: l.cfg.AcceptLanguage,
	}, nil
}

func dialChromeTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http_engine: apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// httpSession keeps the last fetched document as its "page".
type httpSession struct {
	client         *http.Client
	acceptLanguage string

	mu         sync.Mutex
	currentURL *url.URL
	body       string
	status     int
	blocked    []string

	closeOnce sync.Once
}

func (s *httpSession) Navigate(ctx context.Context, rawURL string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeNavigation, "build request", err)
	}
	return s.do(req, "navigation to "+rawURL+" failed")
}

func (s *httpSession) Reload(ctx context.Context, ignoreCache bool) error {
	s.mu.Lock()
	cur := s.currentURL
	s.mu.Unlock()
	if cur == nil {
		return models.NewScrapeError(models.ErrCodeNavigation, "reload without a current document", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cur.String(), nil)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeNavigation, "build request", err)
	}
	if ignoreCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	return s.do(req, "reload failed")
}

// do sends req with browser-like headers and stores the response as the
// current document. Non-2xx responses are kept: challenge pages are
// served as 403/503 and must reach the challenge detector.
func (s *httpSession) do(req *http.Request, msg string) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	if s.acceptLanguage != "" {
		req.Header.Set("Accept-Language", s.acceptLanguage)
	}
	req.Header.Set("Accept-Encoding", "identity")
	s.mu.Lock()
	if s.currentURL != nil && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", s.currentURL.String())
	}
	s.mu.Unlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return categorizeError(err, msg)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return categorizeError(err, "read body")
	}

	s.mu.Lock()
	s.currentURL = resp.Request.URL
	s.body = string(body)
	s.status = resp.StatusCode
	s.mu.Unlock()

	if resp.StatusCode >= 400 {
		slog.Debug("http backend received error status", "url", req.URL.String(), "status", resp.StatusCode)
	}
	return nil
}

func (s *httpSession) RunScript(context.Context, string, ...any) (string, error) {
	return "", ErrUnsupported
}

func (s *httpSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body, nil
}

func (s *httpSession) Title(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return extractTitle(s.body), nil
}

// WaitElement checks the current document once; a static document never
// changes while waiting.
func (s *httpSession) WaitElement(_ context.Context, selector string, _ time.Duration) error {
	doc, err := s.document()
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return models.NewScrapeError(models.ErrCodeTimeout, fmt.Sprintf("element %q not found", selector), nil)
	}
	return nil
}

// SetResourceBlocking records the patterns. Sub-resources are never
// fetched by this backend.
func (s *httpSession) SetResourceBlocking(patterns []string) error {
	s.mu.Lock()
	s.blocked = append([]string(nil), patterns...)
	s.mu.Unlock()
	return nil
}

func (s *httpSession) Cookies(context.Context) ([]Cookie, error) {
	s.mu.Lock()
	cur := s.currentURL
	s.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	raw := s.client.Jar.Cookies(cur)
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		// The jar only exposes name and value.
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: cur.Hostname(), Path: "/"})
	}
	return out, nil
}

func (s *httpSession) SetCookies(_ context.Context, cookies []Cookie) error {
	byHost := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if strings.HasPrefix(c.Domain, ".") {
			hc.Domain = host
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		byHost[host] = append(byHost[host], hc)
	}
	for host, list := range byHost {
		s.client.Jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, list)
	}
	return nil
}

func (s *httpSession) Humanize(context.Context) error { return nil }

// Static reports true: the document is a single response body.
func (s *httpSession) Static() bool { return true }

func (s *httpSession) Close() error {
	s.closeOnce.Do(func() {
		s.client.CloseIdleConnections()
	})
	return nil
}

// SelectOption picks an option of the first select control by token and
// submits the enclosing form as a browser would.
func (s *httpSession) SelectOption(ctx context.Context, token string) (string, error) {
	doc, err := s.document()
	if err != nil {
		return "", err
	}
	sel := doc.Find("select").First()
	if sel.Length() == 0 {
		return "", models.NewScrapeError(models.ErrCodeLocationSelect, "no-select", nil)
	}

	opts := sel.Find("option")
	texts := make([]string, opts.Length())
	opts.Each(func(i int, o *goquery.Selection) {
		texts[i] = strings.TrimSpace(o.Text())
	})
	idx := MatchOption(texts, token)
	if idx < 0 {
		return "", models.NewScrapeError(models.ErrCodeLocationSelect, "no-match", nil)
	}
	chosen := opts.Eq(idx)
	value, ok := chosen.Attr("value")
	if !ok {
		value = texts[idx]
	}

	form := sel.Closest("form")
	if form.Length() == 0 {
		return "", models.NewScrapeError(models.ErrCodeLocationSelect, "no-submit", nil)
	}

	values := url.Values{}
	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		switch strings.ToLower(in.AttrOr("type", "text")) {
		case "submit", "button", "image", "file", "reset":
			return
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); !checked {
				return
			}
		}
		values.Add(name, in.AttrOr("value", ""))
	})
	if name := sel.AttrOr("name", ""); name != "" {
		values.Set(name, value)
	}

	s.mu.Lock()
	base := s.currentURL
	s.mu.Unlock()
	action, err := base.Parse(form.AttrOr("action", ""))
	if err != nil {
		return "", models.NewScrapeError(models.ErrCodeLocationSelect, "no-submit", err)
	}

	var req *http.Request
	if strings.EqualFold(form.AttrOr("method", "get"), http.MethodPost) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		action.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, action.String(), nil)
	}
	if err != nil {
		return "", models.NewScrapeError(models.ErrCodeLocationSelect, "build form request", err)
	}
	if err := s.do(req, "location form submit failed"); err != nil {
		return "", err
	}
	return texts[idx], nil
}

func (s *httpSession) document() (*goquery.Document, error) {
	s.mu.Lock()
	body := s.body
	s.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeNavigation, "parse document", err)
	}
	return doc, nil
}

// extractTitle uses the Go HTML tokenizer to find the first <title> element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}
