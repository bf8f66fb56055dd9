package processservice

import "github.com/google/uuid"

// newProcessID mints the id used both as the ProcessRecord key and as the
// commandId inside the owning Session (spec §4.6 step 2).
func newProcessID() string {
	return uuid.New().String()
}
