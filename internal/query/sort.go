package query

import (
	"fmt"
	"strings"
)

// Sort is the order in which search results are produced.
type Sort int

const (
	// OldestFirst orders by date ascending.
	OldestFirst Sort = iota

	// NewestFirst orders by date descending.
	NewestFirst

	// MessageID orders by message id.
	MessageID

	// Unsorted leaves the order to the engine.
	Unsorted
)

var sortNames = map[Sort]string{
	OldestFirst: "oldest_first",
	NewestFirst: "newest_first",
	MessageID:   "message_id",
	Unsorted:    "unsorted",
}

// String returns the configuration name of the sort order.
func (s Sort) String() string {
	if name, ok := sortNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Sort(%d)", int(s))
}

// ParseSort parses a sort order name. Dashes are accepted in place of
// underscores.
func ParseSort(s string) (Sort, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-",
		"_")
	for sort, name := range sortNames {
		if name == norm {
			return sort, nil
		}
	}

	return 0, fmt.Errorf("unknown sort order %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Sort) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so sort orders can be
// read from configuration files.
func (s *Sort) UnmarshalText(text []byte) error {
	parsed, err := ParseSort(string(text))
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}
