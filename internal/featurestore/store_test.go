package featurestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akiops/aki-pipeline/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "featurestore.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestApplyAdmissionUnknownPatientCreatesEmptyRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	age := 50
	rec, err := store.ApplyAdmission(ctx, "P1", model.SexMale, &age)
	require.NoError(t, err)
	assert.Nil(t, rec, "first admission must return absence")

	snapshot, err := store.LookupFeature(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 0, snapshot.SampleCount)
	assert.False(t, snapshot.ReadyForInference)
}

func TestApplyAdmissionKnownPatientUpdatesDemographics(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	age := 40
	_, err := store.ApplyAdmission(ctx, "P1", model.SexMale, &age)
	require.NoError(t, err)

	newAge := 41
	rec, err := store.ApplyAdmission(ctx, "P1", model.SexFemale, &newAge)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.SexFemale, rec.Sex)
	require.NotNil(t, rec.Age)
	assert.Equal(t, 41, *rec.Age)
}

func TestApplyLabResultUnknownPatientSeedsSingleSample(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec, err := store.ApplyLabResult(ctx, "P2", 1.5, ts)
	require.NoError(t, err)
	assert.Nil(t, rec, "unknown-identity lab result must return absence")

	snapshot, err := store.LookupFeature(ctx, "P2")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 1, snapshot.SampleCount)
	require.NotNil(t, snapshot.Min)
	assert.Equal(t, 1.5, *snapshot.Min)
	require.NotNil(t, snapshot.StdDev)
	assert.Equal(t, 0.0, *snapshot.StdDev)
}

func TestApplyLabResultKnownPatientReturnsUnchangedSnapshot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.ApplyLabResult(ctx, "P3", 1.0, ts)
	require.NoError(t, err)

	rec, err := store.ApplyLabResult(ctx, "P3", 2.0, ts)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.SampleCount, "second call must return the prior snapshot, not aggregate")
}

func TestCommitFeatureUnknownPatientFails(t *testing.T) {
	store := openTestStore(t)
	err := store.CommitFeature(context.Background(), model.FeatureRecord{Identity: "ghost"})
	assert.Error(t, err)
}

func TestDischargeThenPurgeCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	age := 30
	_, err := store.ApplyAdmission(ctx, "P4", model.SexMale, &age)
	require.NoError(t, err)

	require.NoError(t, store.Discharge(ctx, "P4"))
	require.NoError(t, store.Purge(ctx, "P4"))

	rec, err := store.LookupFeature(ctx, "P4")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLookupFeatureUnknownReturnsNil(t *testing.T) {
	store := openTestStore(t)
	rec, err := store.LookupFeature(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCommitFeatureRoundTripsAllFields(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	age := 55
	_, err := store.ApplyAdmission(ctx, "P5", model.SexFemale, &age)
	require.NoError(t, err)

	min, max, mean, stddev, last := 1.0, 9.0, 5.0, 2.5, 3.0
	rec := model.FeatureRecord{
		Identity:              "P5",
		Sex:                   model.SexFemale,
		Age:                   &age,
		Min:                   &min,
		Max:                   &max,
		Mean:                  &mean,
		StdDev:                &stddev,
		LastResultValue:       &last,
		LatestResultTimestamp: &ts,
		SampleCount:           3,
		ReadyForInference:     true,
	}
	require.NoError(t, store.CommitFeature(ctx, rec))

	got, err := store.LookupFeature(ctx, "P5")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.SampleCount)
	assert.True(t, got.ReadyForInference)
	require.NotNil(t, got.Mean)
	assert.Equal(t, 5.0, *got.Mean)
	require.NotNil(t, got.LatestResultTimestamp)
	assert.True(t, ts.Equal(*got.LatestResultTimestamp))
}

func TestIsEmptyReflectsPatientPresence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	empty, err := store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	age := 40
	_, err = store.ApplyAdmission(ctx, "P6", model.SexFemale, &age)
	require.NoError(t, err)

	empty, err = store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)
}
