package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/akiops/aki-pipeline/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ageAndSex(age int, sex model.Sex) model.FeatureRecord {
	a := age
	return model.FeatureRecord{Age: &a, Sex: sex}
}

func TestApplyFirstSample(t *testing.T) {
	prior := ageAndSex(45, model.SexFemale)
	ts := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	got := Apply(prior, 1.2, &ts)

	require.NotNil(t, got.Min)
	require.NotNil(t, got.Max)
	require.NotNil(t, got.Mean)
	require.NotNil(t, got.StdDev)
	require.NotNil(t, got.LastResultValue)

	assert.Equal(t, 1.2, *got.Min)
	assert.Equal(t, 1.2, *got.Max)
	assert.Equal(t, 1.2, *got.Mean)
	assert.Equal(t, 0.0, *got.StdDev)
	assert.Equal(t, 1.2, *got.LastResultValue)
	assert.Equal(t, 1, got.SampleCount)
	assert.True(t, got.ReadyForInference)
	require.NotNil(t, got.LatestResultTimestamp)
	assert.True(t, ts.Equal(*got.LatestResultTimestamp))
}

func TestApplyDoesNotMutatePrior(t *testing.T) {
	v := 1.0
	prior := model.FeatureRecord{Min: &v, Max: &v, Mean: &v, StdDev: f64ptr(0), LastResultValue: &v, SampleCount: 1}
	_ = Apply(prior, 5.0, nil)
	assert.Equal(t, 1.0, *prior.Min, "Apply must not mutate the prior record")
}

func TestApplySecondSampleRecurrence(t *testing.T) {
	v := 2.0
	prior := model.FeatureRecord{Min: &v, Max: &v, Mean: &v, StdDev: f64ptr(0), LastResultValue: &v, SampleCount: 1}

	got := Apply(prior, 4.0, nil)

	wantMean := (1.0*2.0 + 4.0) / 2.0
	wantStdDev := math.Sqrt((1.0/2.0)*0*0 + (4.0-wantMean)*(4.0-wantMean)/1.0)

	assert.Equal(t, 2.0, *got.Min)
	assert.Equal(t, 4.0, *got.Max)
	assert.InDelta(t, wantMean, *got.Mean, 1e-12)
	assert.InDelta(t, wantStdDev, *got.StdDev, 1e-12)
	assert.Equal(t, 4.0, *got.LastResultValue)
	assert.Equal(t, 2, got.SampleCount)
}

func TestApplyMinMaxTrackAcrossSamples(t *testing.T) {
	rec := ageAndSex(30, model.SexMale)
	rec = Apply(rec, 5.0, nil)
	rec = Apply(rec, 1.0, nil)
	rec = Apply(rec, 9.0, nil)

	assert.Equal(t, 1.0, *rec.Min)
	assert.Equal(t, 9.0, *rec.Max)
	assert.Equal(t, 3, rec.SampleCount)
}

func TestApplyReadyForInferenceRequiresDemographics(t *testing.T) {
	rec := model.FeatureRecord{}
	rec = Apply(rec, 1.0, nil)
	assert.False(t, rec.ReadyForInference, "missing age/sex must keep the record not ready")

	age := 50
	rec.Age = &age
	rec.Sex = model.SexMale
	rec.ReadyForInference = rec.Ready()
	assert.True(t, rec.ReadyForInference)
}
