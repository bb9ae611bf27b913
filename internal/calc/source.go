package calc

import (
	"context"
	"time"
)

// ValueSource is the read side the evaluators depend on. Latest reports
// ok=false when the tag has never reported a value. Window returns every value
// of the given tags newer than now-window as one flattened multiset.
type ValueSource interface {
	Latest(ctx context.Context, tag string) (value float64, ok bool, err error)
	Window(ctx context.Context, tags []string, window time.Duration) ([]float64, error)
}
