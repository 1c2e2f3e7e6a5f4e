package model

import "time"

// Priority ranks brand/organization pairs by recency of activity for
// batch observability. It does not gate execution order within a batch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// BrandActivity identifies a (brand, organization) pair with at least one
// successful result in the scan window.
type BrandActivity struct {
	BrandID     string    `json:"brand_id"`
	OrgID       string    `json:"org_id"`
	LastSuccess time.Time `json:"last_success"`
	Priority    Priority  `json:"priority,omitempty"`
}

// SourceMetrics is the derived daily utilization aggregate for a
// (brand, organization, date) bucket. It is entirely recomputable from
// result/source data and overwritten by each batch run for its bucket.
type SourceMetrics struct {
	BrandID           string    `json:"brand_id"`
	OrgID             string    `json:"org_id"`
	MetricDate        time.Time `json:"metric_date"`
	TotalResults      int       `json:"total_results"`
	SuccessfulResults int       `json:"successful_results"`
	TotalCitations    int       `json:"total_citations"`
	UniqueSources     int       `json:"unique_sources"`
	VisibilityScore   *float64  `json:"visibility_score"`
	AvgSentiment      *float64  `json:"avg_sentiment"`
	AvgPosition       *float64  `json:"avg_position"`
	UpdatedAt         time.Time `json:"updated_at"`
}
