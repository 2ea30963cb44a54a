// Package uuid generates and checks the v4 identifiers assigned to
// queued actions and conflict records.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh v4 identifier in canonical dashed form.
func New() string {
	return uuid.New().String()
}

// Validate rejects strings that are not canonical v4 identifiers.
// Entry points accepting ids from outside the process check here
// before touching the store.
func Validate(s string) error {
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	// uuid.Parse also accepts urn-prefixed, braced and undashed
	// forms; store ids are always canonical.
	if len(s) != 36 {
		return fmt.Errorf("invalid id %q: not in canonical form", s)
	}
	if id.Version() != 4 {
		return fmt.Errorf("invalid id %q: not a v4 identifier", s)
	}
	return nil
}
