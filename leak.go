package calling

import "go.uber.org/goleak"

// FindGoroutineLeaks finds any goroutine leaks after a program is done running.
// This should be used at the end of a main test run or a top-level process run.
func FindGoroutineLeaks(options ...goleak.Option) error {
	optsCopy := make([]goleak.Option, len(options), len(options)+3)
	copy(optsCopy, options)
	optsCopy = append(optsCopy,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),

		// net/http.(*Transport).CloseIdleConnections() doesn't interrupt in-progress connection attempts
		goleak.IgnoreTopFunction("net.(*netFD).connect.func2"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
	return goleak.Find(optsCopy...)
}
