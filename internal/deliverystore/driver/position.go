package driver

import (
	"strings"
	"time"

	"github.com/heraldhq/herald/internal/cursor"
)

// positionLayout is fixed-width so encoded positions sort the same way the
// (scheduled_send_time, id) tuple does.
const positionLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MakePosition builds the sortable cursor position for a row.
func MakePosition(t time.Time, id string) string {
	return t.UTC().Format(positionLayout) + "_" + id
}

// ParsePosition splits a cursor position back into its tuple. The id side
// may itself contain underscores; the timestamp side never does.
func ParsePosition(position string) (time.Time, string, error) {
	parts := strings.SplitN(position, "_", 2)
	if len(parts) != 2 {
		return time.Time{}, "", cursor.ErrInvalidCursor
	}
	t, err := time.Parse(positionLayout, parts[0])
	if err != nil {
		return time.Time{}, "", cursor.ErrInvalidCursor
	}
	return t, parts[1], nil
}
