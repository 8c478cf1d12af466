// Package cursor encodes pagination and scan positions as opaque strings.
// Cursors are versioned and resource-scoped so the delivery log listing and
// the user scan can both hand positions to clients without collision.
package cursor

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidCursor indicates the cursor is malformed or belongs to a
	// different resource.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrVersionMismatch indicates the cursor was minted by a different
	// format version of the same resource.
	ErrVersionMismatch = errors.New("cursor version mismatch")
)

// Base62Encode maps s onto the big.Int base62 alphabet (0-9a-zA-Z).
func Base62Encode(s string) string {
	if s == "" {
		return ""
	}
	return new(big.Int).SetBytes([]byte(s)).Text(62)
}

// Base62Decode reverses Base62Encode.
func Base62Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	num, ok := new(big.Int).SetString(s, 62)
	if !ok {
		return "", ErrInvalidCursor
	}
	return string(num.Bytes()), nil
}

// versionedPrefix renders the "{resource}v{NN}:" marker cursors carry.
func versionedPrefix(resource string, version int) string {
	return fmt.Sprintf("%sv%02d:", resource, version)
}

// Encode mints an opaque cursor for a position within a resource.
// Example: "dlgv01:2024-06-10T09:00:00Z,dlg_abc" base62 encoded.
func Encode(resource string, version int, position string) string {
	return Base62Encode(versionedPrefix(resource, version) + position)
}

// Decode validates a cursor and returns its position portion. An empty
// cursor decodes to an empty position. Decoding a cursor minted for another
// resource fails with ErrInvalidCursor; the right resource at another
// version fails with ErrVersionMismatch.
func Decode(encoded string, resource string, version int) (string, error) {
	if encoded == "" {
		return "", nil
	}

	raw, err := Base62Decode(encoded)
	if err != nil {
		return "", err
	}

	position, ok := strings.CutPrefix(raw, versionedPrefix(resource, version))
	if ok {
		return position, nil
	}
	if strings.HasPrefix(raw, resource+"v") {
		return "", fmt.Errorf("%w: expected version %02d", ErrVersionMismatch, version)
	}
	return "", ErrInvalidCursor
}
