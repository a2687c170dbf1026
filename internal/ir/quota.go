package ir

// QuotaState tracks one constrained resource. Timestamps are unix seconds.
type QuotaState struct {
	DailyCount int       `json:"daily_count"`
	ResetDate  string    `json:"last_reset_date"`
	Timestamps []float64 `json:"request_timestamps"`
}

// Limit holds the per-minute and per-day ceilings of a resource.
// A zero value disables that ceiling.
type Limit struct {
	RPM int `yaml:"rpm" json:"rpm"`
	RPD int `yaml:"rpd" json:"rpd"`
}
