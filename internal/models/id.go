package models

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID. ulid.Make draws from a process-wide monotonic
// source, so ids created by one process sort in creation order.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}
