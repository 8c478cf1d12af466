package worker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/heraldhq/herald/internal/util/testutil"
	"github.com/heraldhq/herald/internal/worker"
)

// The supervisor takes its Logger as a local interface; this pins that
// the project logger satisfies it without an adapter.
func TestProjectLoggerSatisfiesWorkerLogger(t *testing.T) {
	t.Parallel()

	var logger worker.Logger = testutil.CreateTestLogger(t)
	assert.NotNil(t, worker.NewWorkerSupervisor(logger))
}
