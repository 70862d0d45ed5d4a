package models

import "time"

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status    string        `json:"status"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Scheduler ScheduleState `json:"scheduler"`
}

// OperatingWindow is the half-open hour range [StartHour, EndHour) in which
// polling may run.
type OperatingWindow struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// JitterBounds describes the randomized inter-run delay.
type JitterBounds struct {
	Base      time.Duration `json:"base"`
	Variation time.Duration `json:"variation"`
	Floor     time.Duration `json:"floor"`
}

// ScheduleState is a snapshot of the polling scheduler.
type ScheduleState struct {
	State             string          `json:"state"`
	NextRunAt         time.Time       `json:"nextRunAt"`
	LastRunAt         time.Time       `json:"lastRunAt"`
	RunCount          int             `json:"runCount"`
	Window            OperatingWindow `json:"window"`
	Jitter            JitterBounds    `json:"jitter"`
	ShutdownRequested bool            `json:"shutdownRequested"`
}

// ResultsResponse is the response for GET /api/v1/results.
type ResultsResponse struct {
	Success bool            `json:"success"`
	Results []*ScrapeResult `json:"results"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ResultResponse is the response for GET /api/v1/results/:location.
type ResultResponse struct {
	Success bool          `json:"success"`
	Result  *ScrapeResult `json:"result,omitempty"`
	Error   *ErrorDetail  `json:"error,omitempty"`
}

// LocationsResponse is the response for GET /api/v1/locations.
type LocationsResponse struct {
	Success   bool       `json:"success"`
	Locations []Location `json:"locations"`
}

// RunResponse is the response for POST /api/v1/run.
type RunResponse struct {
	Success bool         `json:"success"`
	Queued  bool         `json:"queued"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorResponse is the body of a rejected API request.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}
