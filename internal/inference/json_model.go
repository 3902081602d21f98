package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/pkg/model"
)

// jsonThresholdModelWeights is the on-disk artifact format for the
// reference predictor: an intercept plus one coefficient per feature in
// the fixed tuple order, scored and compared against a threshold.
type jsonThresholdModelWeights struct {
	Intercept       float64 `json:"intercept"`
	Age             float64 `json:"age"`
	Sex             float64 `json:"sex"`
	Mean            float64 `json:"mean"`
	StdDev          float64 `json:"std_dev"`
	Max             float64 `json:"max"`
	Min             float64 `json:"min"`
	LastResultValue float64 `json:"last_result_value"`
	Threshold       float64 `json:"threshold"`
}

// jsonThresholdModel is a linear-threshold scorer loaded from a JSON
// weights file. It stands in for the opaque binary artifact the source
// system loads; any future real model only needs to satisfy Predictor.
type jsonThresholdModel struct {
	weights jsonThresholdModelWeights
}

// LoadJSONThresholdModel reads a weights file and returns a ready
// Predictor. Failure here is always fatal to process startup.
func LoadJSONThresholdModel(path string) (Predictor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading model artifact %q: %v", errs.FatalStartupError, path, err)
	}

	var weights jsonThresholdModelWeights
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("%w: parsing model artifact %q: %v", errs.FatalStartupError, path, err)
	}

	return &jsonThresholdModel{weights: weights}, nil
}

func (m *jsonThresholdModel) Predict(_ context.Context, in model.Features) (model.Decision, error) {
	w := m.weights
	sex := 0.0
	if in.Sex == model.SexFemale {
		sex = 1.0
	}

	score := w.Intercept +
		w.Age*float64(in.Age) +
		w.Sex*sex +
		w.Mean*in.Mean +
		w.StdDev*in.StdDev +
		w.Max*in.Max +
		w.Min*in.Min +
		w.LastResultValue*in.LastResultValue

	return model.Decision{
		Positive: score >= w.Threshold,
		Score:    score,
	}, nil
}
