// Package paginationtest exercises a store's cursor pagination through
// its public list operation. Store tests describe how to create rows and
// how to list them; the suite then checks that next/prev tokens walk the
// full set without gaps, overlap, or stray tokens at either end.
package paginationtest

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ListOpts is one page request against the store under test.
type ListOpts struct {
	Limit int
	Order string // listing direction, "asc" or "desc"
	Next  string
	Prev  string
}

// ListResult is the page the store returned.
type ListResult[T any] struct {
	Items []T
	Next  string
	Prev  string
}

// Suite runs the pagination checks against one store.
//
// NewItem builds the row at a given index, where index 0 sorts first in
// ascending order. InsertMany writes a batch, List serves one page, and
// GetID identifies rows across pages.
//
// When List applies a filter, set Matches to the same predicate so the
// suite knows which created rows to expect back. AfterInsert flushes
// stores with async writes, and Cleanup resets state between checks;
// both are optional.
type Suite[T any] struct {
	Name        string
	NewItem     func(index int) T
	InsertMany  func(ctx context.Context, items []T) error
	List        func(ctx context.Context, opts ListOpts) (ListResult[T], error)
	GetID       func(T) string
	Matches     func(T) bool
	AfterInsert func(ctx context.Context) error
	Cleanup     func(ctx context.Context) error
}

// Run executes every check in the suite.
func (s Suite[T]) Run(t *testing.T) {
	t.Helper()

	t.Run("WalkForward", s.checkWalkForward)
	t.Run("WalkBack", s.checkWalkBack)
	t.Run("NextThenPrev", s.checkNextThenPrev)
	t.Run("LastPage", s.checkLastPage)
	t.Run("ExactFit", s.checkExactFit)
	t.Run("SparseSets", s.checkSparseSets)
	t.Run("Ordering", s.checkOrdering)
}

// seed resets the store, writes count rows and returns the ones the
// store's filter should let through, oldest first.
func (s Suite[T]) seed(t *testing.T, ctx context.Context, count int) []T {
	t.Helper()

	if s.Cleanup != nil {
		require.NoError(t, s.Cleanup(ctx))
	}

	rows := make([]T, count)
	for i := range count {
		rows[i] = s.NewItem(i)
	}
	if count > 0 {
		require.NoError(t, s.InsertMany(ctx, rows))
	}
	if s.AfterInsert != nil {
		require.NoError(t, s.AfterInsert(ctx))
	}

	if s.Matches == nil {
		return rows
	}
	var kept []T
	for _, row := range rows {
		if s.Matches(row) {
			kept = append(kept, row)
		}
	}
	return kept
}

// walk follows next tokens from the first page to the last and returns
// every page, requiring that no row shows up twice along the way.
func (s Suite[T]) walk(t *testing.T, ctx context.Context, limit int, order string) []ListResult[T] {
	t.Helper()

	seen := make(map[string]bool)
	note := func(res ListResult[T]) {
		for _, row := range res.Items {
			id := s.GetID(row)
			assert.False(t, seen[id], "row %s served twice", id)
			seen[id] = true
		}
	}

	res, err := s.List(ctx, ListOpts{Limit: limit, Order: order})
	require.NoError(t, err)
	assert.Empty(t, res.Prev, "the first page carries no prev token")
	note(res)

	pages := []ListResult[T]{res}
	for res.Next != "" {
		res, err = s.List(ctx, ListOpts{Limit: limit, Order: order, Next: res.Next})
		require.NoError(t, err)
		note(res)
		pages = append(pages, res)
	}
	return pages
}

func (s Suite[T]) checkWalkForward(t *testing.T) {
	ctx := context.Background()
	expected := s.seed(t, ctx, 10)

	pages := s.walk(t, ctx, 3, "desc")

	total := 0
	for _, page := range pages {
		total += len(page.Items)
	}
	assert.Equal(t, len(expected), total, "the walk serves every row exactly once")
}

func (s Suite[T]) checkWalkBack(t *testing.T) {
	ctx := context.Background()
	expected := s.seed(t, ctx, 9)

	pages := s.walk(t, ctx, 3, "desc")
	if len(pages) < 2 {
		t.Skipf("only %d rows made %d pages, nothing to walk back over", len(expected), len(pages))
	}

	// Follow prev tokens from the last page; each recovered page must
	// reproduce the forward page at the same position.
	res := pages[len(pages)-1]
	recovered := 0
	var err error
	for res.Prev != "" {
		require.Less(t, recovered, len(pages)-1, "more prev tokens than pages before this one")
		res, err = s.List(ctx, ListOpts{Limit: 3, Order: "desc", Prev: res.Prev})
		require.NoError(t, err)

		forward := pages[len(pages)-2-recovered]
		require.Len(t, res.Items, len(forward.Items), "recovered page %d size", recovered)
		for i, row := range res.Items {
			assert.Equal(t, s.GetID(forward.Items[i]), s.GetID(row),
				"recovered page %d row %d", recovered, i)
		}
		recovered++
	}

	assert.Equal(t, len(pages)-1, recovered, "the back walk visits every earlier page and stops at the first")
}

func (s Suite[T]) checkNextThenPrev(t *testing.T) {
	ctx := context.Background()
	expected := s.seed(t, ctx, 9)
	if len(expected) < 6 {
		t.Skipf("%d rows is too few to cross a page boundary twice", len(expected))
	}

	page1, err := s.List(ctx, ListOpts{Limit: 3, Order: "desc"})
	require.NoError(t, err)
	require.NotEmpty(t, page1.Next)

	page2, err := s.List(ctx, ListOpts{Limit: 3, Order: "desc", Next: page1.Next})
	require.NoError(t, err)
	require.NotEmpty(t, page2.Prev)

	back, err := s.List(ctx, ListOpts{Limit: 3, Order: "desc", Prev: page2.Prev})
	require.NoError(t, err)

	require.Len(t, back.Items, len(page1.Items))
	for i, row := range back.Items {
		assert.Equal(t, s.GetID(page1.Items[i]), s.GetID(row), "row %d after the round trip", i)
	}
}

func (s Suite[T]) checkLastPage(t *testing.T) {
	ctx := context.Background()
	expected := s.seed(t, ctx, 7)
	if len(expected) == 0 {
		t.Skip("filter left no rows")
	}

	pages := s.walk(t, ctx, 3, "desc")
	last := pages[len(pages)-1]

	assert.Empty(t, last.Next, "the last page carries no next token")

	want := len(expected) % 3
	if want == 0 {
		want = 3
	}
	assert.Len(t, last.Items, want, "the last page holds the remainder")

	if len(expected) > 3 {
		assert.NotEmpty(t, last.Prev, "a later page links back")
	}
}

// checkExactFit covers the row count dividing evenly by the page size:
// the final page is full yet still ends the listing.
func (s Suite[T]) checkExactFit(t *testing.T) {
	ctx := context.Background()
	expected := s.seed(t, ctx, 6)
	if len(expected) != 6 {
		t.Skipf("filter changed the row count to %d", len(expected))
	}

	pages := s.walk(t, ctx, 3, "desc")
	require.Len(t, pages, 2)
	assert.Len(t, pages[0].Items, 3)
	assert.Len(t, pages[1].Items, 3)
	assert.Empty(t, pages[1].Next)
}

func (s Suite[T]) checkSparseSets(t *testing.T) {
	ctx := context.Background()

	t.Run("no rows", func(t *testing.T) {
		s.seed(t, ctx, 0)

		res, err := s.List(ctx, ListOpts{Limit: 10, Order: "desc"})
		require.NoError(t, err)
		assert.Empty(t, res.Items)
		assert.Empty(t, res.Next)
		assert.Empty(t, res.Prev)
	})

	t.Run("one row", func(t *testing.T) {
		expected := s.seed(t, ctx, 1)
		if len(expected) != 1 {
			t.Skip("filter dropped the row")
		}

		res, err := s.List(ctx, ListOpts{Limit: 10, Order: "desc"})
		require.NoError(t, err)
		assert.Len(t, res.Items, 1)
		assert.Empty(t, res.Next)
		assert.Empty(t, res.Prev)
	})
}

func (s Suite[T]) checkOrdering(t *testing.T) {
	ctx := context.Background()
	expected := s.seed(t, ctx, 5)
	if len(expected) == 0 {
		t.Skip("filter left no rows")
	}

	t.Run("asc", func(t *testing.T) {
		res, err := s.List(ctx, ListOpts{Limit: 10, Order: "asc"})
		require.NoError(t, err)
		require.Len(t, res.Items, len(expected))
		for i, row := range res.Items {
			assert.Equal(t, s.GetID(expected[i]), s.GetID(row), "row %d ascending", i)
		}
	})

	t.Run("desc", func(t *testing.T) {
		res, err := s.List(ctx, ListOpts{Limit: 10, Order: "desc"})
		require.NoError(t, err)
		require.Len(t, res.Items, len(expected))

		newestFirst := slices.Clone(expected)
		slices.Reverse(newestFirst)
		for i, row := range res.Items {
			assert.Equal(t, s.GetID(newestFirst[i]), s.GetID(row), "row %d descending", i)
		}
	})
}
