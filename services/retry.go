package services

import "context"

// readWithRetry gives an idempotent read one more attempt after a transient
// failure. Writes must never go through here.
func readWithRetry[T any](ctx context.Context, read func(context.Context) (T, error)) (T, error) {
	v, err := read(ctx)
	if err == nil || ctx.Err() != nil {
		return v, err
	}
	return read(ctx)
}
