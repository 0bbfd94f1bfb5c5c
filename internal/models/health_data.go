package models

import (
	"encoding/json"
	"time"
)

// DailyMetric is one provider metric sample for a calendar day. Payload keeps the
// provider's shape untouched.
type DailyMetric struct {
	Date       time.Time       `json:"date"`
	MetricType string          `json:"metric_type"`
	Payload    json.RawMessage `json:"payload"`
}

type Activity struct {
	ProviderActivityID string          `json:"activity_id"`
	ActivityType       string          `json:"activity_type"`
	StartTime          time.Time       `json:"start_time"`
	DurationSeconds    float64         `json:"duration_seconds"`
	Payload            json.RawMessage `json:"payload"`
}

// PersistResult counts the rows written for one window.
type PersistResult struct {
	Metrics    int `json:"metrics"`
	Activities int `json:"activities"`
}
