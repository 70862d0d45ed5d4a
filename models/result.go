package models

import (
	"math"
	"time"
)

// ProductRecord is one product row parsed from the listing page.
type ProductRecord struct {
	Title    string `json:"title"`
	Price    string `json:"price"`
	HasStock bool   `json:"hasStock"`
}

// ScrapeResult is the outcome of checking a single location in one run.
// It is a value object: built by the batch manager, dispatched once by the
// scheduler, then discarded.
type ScrapeResult struct {
	Location          string          `json:"location"`
	LocationID        string          `json:"locationId"`
	DisplayName       string          `json:"displayName"`
	Blocked           bool            `json:"blocked"`
	HasStock          bool            `json:"hasStock"`
	AvailableProducts []ProductRecord `json:"availableProducts"`
	AllProducts       []ProductRecord `json:"allProducts"`
	TotalProducts     int             `json:"totalProducts"`
	ElapsedSeconds    float64         `json:"elapsedSeconds"`
	Timestamp         time.Time       `json:"timestamp"`

	// Error is set when the location could not be checked.
	Error string `json:"error,omitempty"`

	// ErrorCode is the ScrapeError code behind Error, if any.
	ErrorCode string `json:"errorCode,omitempty"`
}

// NewScrapeResult builds a successful result from the parsed products.
func NewScrapeResult(loc Location, products []ProductRecord, elapsed time.Duration) *ScrapeResult {
	all := make([]ProductRecord, 0, len(products))
	available := make([]ProductRecord, 0, len(products))
	for _, p := range products {
		all = append(all, p)
		if p.HasStock {
			available = append(available, p)
		}
	}
	r := baseResult(loc, elapsed)
	r.AllProducts = all
	r.AvailableProducts = available
	r.TotalProducts = len(all)
	r.HasStock = len(available) > 0
	return r
}

// NewBlockedResult builds a result for a location whose pages stayed behind
// a bot challenge.
func NewBlockedResult(loc Location, elapsed time.Duration) *ScrapeResult {
	r := baseResult(loc, elapsed)
	r.Blocked = true
	r.ErrorCode = ErrCodeChallenge
	return r
}

// NewErrorResult builds an error-tagged result. HasStock is always false.
func NewErrorResult(loc Location, err error, elapsed time.Duration) *ScrapeResult {
	r := baseResult(loc, elapsed)
	if err != nil {
		r.Error = err.Error()
		r.ErrorCode = CodeOf(err)
	}
	return r
}

// Failed reports whether the result carries an error.
func (r *ScrapeResult) Failed() bool {
	return r.Error != ""
}

func baseResult(loc Location, elapsed time.Duration) *ScrapeResult {
	return &ScrapeResult{
		Location:          loc.Key,
		LocationID:        loc.StorageID,
		DisplayName:       loc.DisplayName,
		AvailableProducts: []ProductRecord{},
		AllProducts:       []ProductRecord{},
		ElapsedSeconds:    roundSeconds(elapsed),
		Timestamp:         time.Now(),
	}
}

// roundSeconds rounds a duration to one decimal of a second.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
