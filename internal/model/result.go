package model

import (
	"encoding/json"
	"time"
)

// ResultStatus represents the terminal state of a provider query.
type ResultStatus string

const (
	ResultStatusPending ResultStatus = "PENDING"
	ResultStatusSuccess ResultStatus = "SUCCESS"
	ResultStatusFailure ResultStatus = "FAILURE"
)

// Terminal reports whether the status is a final state. Results only
// transition PENDING -> SUCCESS or PENDING -> FAILURE; everything else
// about a result is immutable once written.
func (s ResultStatus) Terminal() bool {
	return s == ResultStatusSuccess || s == ResultStatusFailure
}

// Result is one attempt to run a single prompt against a single AI provider.
// Position is the rank of the tracked brand's mention in the answer (nil if
// the brand was not mentioned); Sentiment is a numeric score for the mention.
type Result struct {
	ID          string          `json:"id"`
	PromptID    string          `json:"prompt_id"`
	Provider    string          `json:"provider"`
	Status      ResultStatus    `json:"status"`
	Position    *int            `json:"position,omitempty"`
	Sentiment   *float64        `json:"sentiment,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Prompt is a tracked query belonging to a brand within an organization.
type Prompt struct {
	ID        string    `json:"id"`
	BrandID   string    `json:"brand_id"`
	OrgID     string    `json:"org_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
