// Package retry provides the one bounded poll loop shared by every
// component that has to wait on the host: route probes, artifact
// downloads, and the listening check. Nothing here waits forever.
package retry

import (
	"context"
	"time"
)

// Result captures how a poll finished.
type Result struct {
	OK       bool
	Attempts int
}

// Poll invokes fn up to maxAttempts times, sleeping interval between
// attempts. fn returns (done, err): done=true stops polling with OK set,
// a non-nil err stops polling immediately and is returned. A cancelled
// context also stops the loop. Total wall-clock time never exceeds
// maxAttempts*interval plus the time spent inside fn.
func Poll(ctx context.Context, interval time.Duration, maxAttempts int, fn func() (bool, error)) (Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	res := Result{}
	for i := 0; i < maxAttempts; i++ {
		res.Attempts = i + 1
		done, err := fn()
		if err != nil {
			return res, err
		}
		if done {
			res.OK = true
			return res, nil
		}
		if i == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(interval):
		}
	}
	return res, nil
}
