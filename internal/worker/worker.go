// Package worker runs herald's long-lived processes, the ops API server,
// the dispatch consumer and the cron scheduler, under one supervisor with
// a shared health view.
package worker

import "context"

// Worker is one long-running process. Run blocks until ctx is cancelled
// or the process hits a fatal error; nil and context.Canceled both count
// as a clean exit.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}
