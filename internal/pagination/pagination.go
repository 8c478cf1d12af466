// Package pagination implements cursor pagination over keyset-ordered
// stores. Callers supply a fetch function and a cursor codec; Run turns
// next/prev tokens into the comparison and sort order the fetch needs,
// then derives the tokens for the neighboring pages from the rows that
// came back.
package pagination

import (
	"context"
	"slices"
)

// Cursor encodes rows into opaque page tokens and decodes tokens back
// into key positions. Encode and Decode travel as a pair so a store can
// version its token format.
type Cursor[T any] struct {
	Encode func(T) string
	Decode func(string) (string, error)
}

// Config describes one paginated list call.
type Config[T any] struct {
	Limit int
	Order string // "asc" or "desc", the order the caller wants rows in
	Next  string // token of the page after the current one
	Prev  string // token of the page before it

	Fetch  func(context.Context, QueryInput) ([]T, error)
	Cursor Cursor[T]
}

// QueryInput carries the derived query parameters to Fetch. CursorPos is
// the decoded key position, empty on the first page. Compare is the
// operator the store applies between the row key and CursorPos.
type QueryInput struct {
	Limit     int
	Compare   string // "<" or ">"
	SortDir   string // "asc" or "desc", the order to fetch rows in
	CursorPos string
}

// Result is one page plus the tokens linking to its neighbors. A token
// is empty when no page exists on that side.
type Result[T any] struct {
	Items []T
	Next  string
	Prev  string
}

// Run executes one page fetch. It asks the store for limit+1 rows to
// learn whether another page exists past this one, and flips both the
// comparison and the fetch order when walking to a previous page so the
// store can serve every page from a single keyset query.
func Run[T any](ctx context.Context, cfg Config[T]) (*Result[T], error) {
	backward := cfg.Prev != ""
	firstPage := cfg.Next == "" && cfg.Prev == ""

	position, err := decodePosition(cfg)
	if err != nil {
		return nil, err
	}

	// Forward through a descending listing walks down the key order, as
	// does backward through an ascending one. The other two combinations
	// walk up.
	descending := cfg.Order == "desc"
	compare := ">"
	if descending != backward {
		compare = "<"
	}
	fetchOrder := cfg.Order
	if backward {
		fetchOrder = invert(cfg.Order)
	}

	rows, err := cfg.Fetch(ctx, QueryInput{
		Limit:     cfg.Limit + 1,
		Compare:   compare,
		SortDir:   fetchOrder,
		CursorPos: position,
	})
	if err != nil {
		return nil, err
	}

	overflow := len(rows) > cfg.Limit
	if overflow {
		rows = rows[:cfg.Limit]
	}

	// Backward fetches arrive inverted relative to the caller's order.
	if backward {
		slices.Reverse(rows)
	}

	res := &Result[T]{Items: rows}
	if len(rows) == 0 {
		return res, nil
	}

	head := cfg.Cursor.Encode(rows[0])
	tail := cfg.Cursor.Encode(rows[len(rows)-1])
	switch {
	case firstPage:
		if overflow {
			res.Next = tail
		}
	case backward:
		res.Next = tail
		if overflow {
			res.Prev = head
		}
	default:
		res.Prev = head
		if overflow {
			res.Next = tail
		}
	}
	return res, nil
}

func decodePosition[T any](cfg Config[T]) (string, error) {
	switch {
	case cfg.Next != "":
		return cfg.Cursor.Decode(cfg.Next)
	case cfg.Prev != "":
		return cfg.Cursor.Decode(cfg.Prev)
	default:
		return "", nil
	}
}

func invert(order string) string {
	if order == "desc" {
		return "asc"
	}
	return "desc"
}
