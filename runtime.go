package calling

import (
	"context"
	"time"
)

// PanicCapturingGo spawns a goroutine to run the given function and captures
// any panic that occurs and logs it.
func PanicCapturingGo(f func()) {
	PanicCapturingGoWithCallback(f, nil)
}

const panicRestartWait = 3 * time.Second

// PanicCapturingGoWithCallback spawns a goroutine to run the given function and
// captures any panic that occurs, logs it, and calls the given callback. The
// callback can be used for restart functionality.
func PanicCapturingGoWithCallback(f func(), callback func(err interface{})) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				Logger.Errorw("panic while running function", "error", err)
				if callback == nil {
					return
				}
				Logger.Infow("waiting a bit to call callback", "wait", panicRestartWait.String())
				time.Sleep(panicRestartWait)
				callback(err)
			}
		}()
		f()
	}()
}

// ManagedGo keeps the given function alive in the background until it
// terminates normally. onComplete runs after the function returns without
// panicking.
func ManagedGo(f, onComplete func()) {
	PanicCapturingGoWithCallback(func() {
		defer func() {
			if err := recover(); err == nil && onComplete != nil {
				onComplete()
			} else if err != nil {
				// re-panic
				panic(err)
			}
		}()
		f()
	}, func(_ interface{}) {
		ManagedGo(f, onComplete)
	})
}

// SelectContextOrWait either terminates because the given context is done
// or the given duration elapses. It returns true if the duration elapsed.
func SelectContextOrWait(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	return SelectContextOrWaitChan(ctx, timer.C)
}

// SelectContextOrWaitChan either terminates because the given context is done
// or the given channel is received on. It returns true if the channel was
// received on.
func SelectContextOrWaitChan[T any](ctx context.Context, c <-chan T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case <-ctx.Done():
		return false
	case <-c:
	}
	return true
}

// UncheckedError is used in places where an error is unlikely and there is
// nothing actionable to do with it anyway.
func UncheckedError(err error) {
	if err == nil {
		return
	}
	Logger.Debugw("unchecked error", "error", err)
}

// UncheckedErrorFunc is like UncheckedError but for functions that return
// an error, typically used with defer.
func UncheckedErrorFunc(f func() error) {
	if f == nil {
		return
	}
	UncheckedError(f())
}
