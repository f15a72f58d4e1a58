package cache

import (
	"context"
	"time"
)

// ReportCache stores serialized report results under a generation. Callers
// read the generation once per lookup and pass it to both Get and Set, so a
// result computed before an Invalidate is never stored where later readers
// look. Invalidate runs after each committed payment or cancellation.
type ReportCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, generation int64, key string, dest any) (bool, error)
	Set(ctx context.Context, generation int64, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Generation(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopReportCache) Get(_ context.Context, _ int64, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopReportCache) Set(_ context.Context, _ int64, _ string, _ any, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}
