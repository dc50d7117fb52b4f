package calling

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MergeContext merges two contexts into one such that if either is done, the
// merged context is done. The returned function must be called when the merged
// context is no longer needed.
func MergeContext(ctx, otherCtx context.Context) (context.Context, func()) {
	mergedCtx, mergedCtxCancel := context.WithCancel(ctx)
	return mergeContexts(mergedCtx, otherCtx, mergedCtxCancel)
}

// MergeContextWithDeadline is MergeContext but with an added deadline on the
// merged context.
func MergeContextWithDeadline(ctx, otherCtx context.Context, deadline time.Time) (context.Context, func()) {
	mergedCtx, mergedCtxCancel := context.WithDeadline(ctx, deadline)
	return mergeContexts(mergedCtx, otherCtx, mergedCtxCancel)
}

func mergeContexts(mergedCtx, otherCtx context.Context, mergedCtxCancel func()) (context.Context, func()) {
	var watcher sync.WaitGroup
	watcher.Add(1)
	PanicCapturingGo(func() {
		defer watcher.Done()
		select {
		case <-mergedCtx.Done():
		case <-otherCtx.Done():
			mergedCtxCancel()
		}
	})
	return mergedCtx, func() {
		mergedCtxCancel()
		watcher.Wait()
	}
}

// FilterOutError returns nil if the given error is wrapped somehow by the
// target error; otherwise it returns the error given.
func FilterOutError(err, target error) error {
	if err == nil {
		return nil
	}
	if target == nil {
		return err
	}
	if errors.Is(err, target) {
		return nil
	}
	return err
}
