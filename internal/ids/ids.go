package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier. Ids created later sort after ids
// created earlier, which keeps session listings in creation order.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewPrefixed returns New with a short type prefix, e.g. "turn_0190...".
func NewPrefixed(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}
