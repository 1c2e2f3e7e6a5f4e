// Package metrics computes derived visibility metrics from stored results.
// Aggregation is a pure projection over the current result rows and is
// recomputed on every read; the batch processor persists daily snapshots
// separately.
package metrics

import "github.com/lumenview/visibility-cli/internal/model"

// Aggregate holds the derived metrics for one prompt or competitor.
// Each field is either a finite number or nil; JSON consumers always see
// all three keys.
type Aggregate struct {
	VisibilityScore  *float64 `json:"visibilityScore"`
	AverageSentiment *float64 `json:"averageSentiment"`
	AveragePosition  *float64 `json:"averagePosition"`
}

// Compute derives visibility, sentiment and position metrics from a set of
// results. Only SUCCESS results participate; FAILURE and pending results
// are excluded from all averages. With no successful results all outputs
// are nil.
func Compute(results []model.Result) Aggregate {
	var (
		successful   int
		withPosition int
		positionSum  float64
		sentimented  int
		sentimentSum float64
	)

	for _, r := range results {
		if r.Status != model.ResultStatusSuccess {
			continue
		}
		successful++

		if r.Position != nil && *r.Position > 0 {
			withPosition++
			positionSum += float64(*r.Position)
		}
		if r.Sentiment != nil {
			sentimented++
			sentimentSum += *r.Sentiment
		}
	}

	if successful == 0 {
		return Aggregate{}
	}

	agg := Aggregate{
		VisibilityScore: ptr(100 * float64(withPosition) / float64(successful)),
	}
	if sentimented > 0 {
		agg.AverageSentiment = ptr(sentimentSum / float64(sentimented))
	}
	if withPosition > 0 {
		agg.AveragePosition = ptr(positionSum / float64(withPosition))
	}
	return agg
}

func ptr(v float64) *float64 {
	return &v
}
