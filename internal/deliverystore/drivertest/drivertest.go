// Package drivertest provides a conformance test suite for deliverystore drivers.
package drivertest

import (
	"context"
	"testing"

	"github.com/heraldhq/herald/internal/deliverystore/driver"
	"github.com/stretchr/testify/require"
)

// Harness provides the test infrastructure for a deliverystore driver
// implementation. Each harness must back its driver with an isolated
// dataset: claims, counts, and recovery sweeps observe every row in the
// store, so rows from a previous harness would leak into results.
type Harness interface {
	MakeDriver(ctx context.Context) (driver.Store, error)
	Close()
}

// HarnessMaker creates a new Harness for each test.
type HarnessMaker func(ctx context.Context, t *testing.T) (Harness, error)

// RunConformanceTests executes the full conformance test suite for a
// deliverystore driver. The suite is organized into five parts:
//   - CRUD: scheduling inserts, idempotency, retrieval, counts, and list filters
//   - Pagination: cursor-based pagination using paginationtest.Suite
//   - Claim: claiming due rows for publishing, including claim isolation
//   - Transitions: the delivery status state machine and its guards
//   - Recovery: stuck-row rescue, retry exhaustion, and overdue failure
func RunConformanceTests(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	t.Run("CRUD", func(t *testing.T) {
		testCRUD(t, newHarness)
	})
	t.Run("Pagination", func(t *testing.T) {
		testPagination(t, newHarness)
	})
	t.Run("Claim", func(t *testing.T) {
		testClaim(t, newHarness)
	})
	t.Run("Transitions", func(t *testing.T) {
		testTransitions(t, newHarness)
	})
	t.Run("Recovery", func(t *testing.T) {
		testRecovery(t, newHarness)
	})
}

// makeStore builds an isolated store for a single subtest.
func makeStore(ctx context.Context, t *testing.T, newHarness HarnessMaker) driver.Store {
	t.Helper()

	h, err := newHarness(ctx, t)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	store, err := h.MakeDriver(ctx)
	require.NoError(t, err)
	return store
}
