package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/use-agent/stockwatch/config"
	"github.com/use-agent/stockwatch/models"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Checker-Signature"

// StockData is the per-location stock report.
type StockData struct {
	HasStock          bool                   `json:"hasStock"`
	AvailableProducts []models.ProductRecord `json:"availableProducts"`
	AllProducts       []models.ProductRecord `json:"allProducts"`
	TotalProducts     int                    `json:"totalProducts"`
	Timestamp         string                 `json:"timestamp"`
	CheckedCount      int                    `json:"checkedCount"`
	Blocked           bool                   `json:"blocked,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// Update is the body of a stock update.
type Update struct {
	LocationID   string    `json:"locationId"`
	LocationName string    `json:"locationName"`
	StockData    StockData `json:"stockData"`
	Secret       string    `json:"secret,omitempty"`
}

type updateResponse struct {
	Data struct {
		Notified int `json:"notified"`
	} `json:"data"`
}

type locationsResponse struct {
	Locations []string `json:"locations"`
}

// Client talks to the downstream notification service: it reads the list
// of locations to check and delivers one stock update per result.
type Client struct {
	baseURL       string
	secret        string
	locationsPath string
	updatePath    string
	http          *http.Client
	limiter       *rate.Limiter
}

// NewClient creates a Client from sink configuration.
func NewClient(cfg config.SinkConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.DispatchRPS
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL:       cfg.ServerURL,
		secret:        cfg.Secret,
		locationsPath: cfg.LocationsPath,
		updatePath:    cfg.UpdatePath,
		http:          &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// NewUpdate converts a result to the wire payload.
func NewUpdate(r *models.ScrapeResult, secret string) *Update {
	name := r.DisplayName
	if name == "" {
		name = r.Location
	}
	return &Update{
		LocationID:   r.LocationID,
		LocationName: name,
		StockData: StockData{
			HasStock:          r.HasStock,
			AvailableProducts: r.AvailableProducts,
			AllProducts:       r.AllProducts,
			TotalProducts:     r.TotalProducts,
			Timestamp:         r.Timestamp.Format(time.RFC3339),
			CheckedCount:      r.TotalProducts,
			Blocked:           r.Blocked,
			Error:             r.Error,
		},
		Secret: secret,
	}
}

// FetchLocations returns the location selectors the service wants checked.
func (c *Client) FetchLocations(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.locationsPath, nil)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeLocationSource, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Stockwatch-Checker/1.0")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeLocationSource, "location source unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.NewScrapeError(models.ErrCodeLocationSource,
			fmt.Sprintf("location source returned status %d", resp.StatusCode), nil)
	}
	var body locationsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeLocationSource, "decode locations", err)
	}
	return body.Locations, nil
}

// Deliver sends one result synchronously and returns the number of users
// the service notified. The body is signed with HMAC-SHA256 if a secret is
// configured. Header: X-Checker-Signature: sha256=<hex>
func (c *Client) Deliver(ctx context.Context, r *models.ScrapeResult) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, models.NewScrapeError(models.ErrCodeDispatch, "dispatch canceled", err)
	}

	body, err := json.Marshal(NewUpdate(r, c.secret))
	if err != nil {
		return 0, models.NewScrapeError(models.ErrCodeDispatch, "marshal update", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.updatePath, bytes.NewReader(body))
	if err != nil {
		return 0, models.NewScrapeError(models.ErrCodeDispatch, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Stockwatch-Checker/1.0")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, models.NewScrapeError(models.ErrCodeDispatch, "deliver", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, models.NewScrapeError(models.ErrCodeDispatch,
			fmt.Sprintf("endpoint returned status %d", resp.StatusCode), nil)
	}

	var out updateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		slog.Debug("stock update response not decodable", "error", err)
		return 0, nil
	}
	return out.Data.Notified, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
