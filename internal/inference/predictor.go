// Package inference invokes the AKI predictor once a patient's feature
// record is ready. The predictor itself is an opaque artifact per the
// source system; this package only defines the contract and a reference
// implementation used for local testing and as a default deployment.
package inference

import (
	"context"
	"fmt"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/pkg/model"
)

// Predictor maps a ready feature tuple to a decision. Implementations must
// be safe for concurrent use; the pipeline holds one shared instance for
// the process lifetime.
type Predictor interface {
	Predict(ctx context.Context, in model.Features) (model.Decision, error)
}

// PredictFunc adapts a plain function to the Predictor interface.
type PredictFunc func(ctx context.Context, in model.Features) (model.Decision, error)

func (f PredictFunc) Predict(ctx context.Context, in model.Features) (model.Decision, error) {
	return f(ctx, in)
}

func wrapPredictError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errs.PredictError, err)
}
