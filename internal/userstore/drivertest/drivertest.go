// Package drivertest provides a conformance test suite for userstore drivers.
package drivertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/userstore/driver"
)

// Harness provides the test infrastructure for a userstore driver
// implementation. Every store it hands out must be backed by an isolated
// dataset: the scan operations observe every row, so harnesses cannot
// share data between tests.
type Harness interface {
	MakeDriver(ctx context.Context) (driver.Store, error)
	Close()
}

// HarnessMaker creates a new Harness for each test.
type HarnessMaker func(ctx context.Context, t *testing.T) (Harness, error)

// RunConformanceTests executes the conformance test suite for a userstore
// driver. The suite is organized into two parts:
//   - CRUD: upsert/get/delete with soft-delete and email uniqueness
//   - Scan: active-user iteration, event field filters, cursor paging
func RunConformanceTests(t *testing.T, newHarness HarnessMaker) {
	t.Helper()

	t.Run("CRUD", func(t *testing.T) {
		testCRUD(t, newHarness)
	})
	t.Run("Scan", func(t *testing.T) {
		testScan(t, newHarness)
	})
}

func makeStore(ctx context.Context, t *testing.T, newHarness HarnessMaker) driver.Store {
	t.Helper()

	harness, err := newHarness(ctx, t)
	require.NoError(t, err)
	t.Cleanup(harness.Close)

	store, err := harness.MakeDriver(ctx)
	require.NoError(t, err)
	return store
}
