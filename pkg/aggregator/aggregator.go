// Package aggregator maintains the running creatinine-result statistics
// (min, max, mean, standard deviation, last value) that back inference.
// Apply is pure and allocation-light: the caller owns persistence.
package aggregator

import (
	"math"
	"time"

	"github.com/akiops/aki-pipeline/pkg/model"
)

// Apply folds one new creatinine observation into prior, returning the
// updated record. It never mutates prior. observedAt may be nil.
//
// The standard deviation recurrence is intentionally the source system's
// own formula, not the textbook streaming-variance update (e.g. Welford's):
// StdDev' = sqrt((n/(n+1)) * StdDev^2 + (v-Mean')^2 / n). This is preserved
// bit-for-bit so historical bootstrap data and live traffic stay comparable.
func Apply(prior model.FeatureRecord, value float64, observedAt *time.Time) model.FeatureRecord {
	next := prior
	n := prior.SampleCount

	if n == 0 {
		next.Min = f64ptr(value)
		next.Max = f64ptr(value)
		next.Mean = f64ptr(value)
		next.StdDev = f64ptr(0)
		next.LastResultValue = f64ptr(value)
	} else {
		nf := float64(n)
		prevMean := *prior.Mean
		prevStdDev := *prior.StdDev

		newMean := (nf*prevMean + value) / (nf + 1)
		newStdDev := math.Sqrt((nf/(nf+1))*prevStdDev*prevStdDev + (value-newMean)*(value-newMean)/nf)

		next.Min = f64ptr(math.Min(*prior.Min, value))
		next.Max = f64ptr(math.Max(*prior.Max, value))
		next.Mean = f64ptr(newMean)
		next.StdDev = f64ptr(newStdDev)
		next.LastResultValue = f64ptr(value)
	}

	next.SampleCount = n + 1
	if observedAt != nil {
		t := *observedAt
		next.LatestResultTimestamp = &t
	}
	next.ReadyForInference = next.Ready()
	return next
}

func f64ptr(v float64) *float64 { return &v }
