package featurestore

import (
	"context"
	"time"

	"github.com/akiops/aki-pipeline/pkg/log"
)

type queryTimingKey struct{}

// queryHooks satisfies sqlhooks.Hooks: it logs every query issued against
// the feature store and how long it took, the same way the teacher's
// repository package instruments its own SQL calls.
type queryHooks struct{}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("featurestore query %s %q", query, args)
	return context.WithValue(ctx, queryTimingKey{}, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(queryTimingKey{}).(time.Time); ok {
		log.Debugf("featurestore query took %s", time.Since(begin))
	}
	return ctx, nil
}
