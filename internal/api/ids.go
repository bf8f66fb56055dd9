package api

import "github.com/google/uuid"

// newSessionID mints an id for a session-create request that did not
// supply one (spec §6.1: `{id?, env?, cwd?}`, id is optional).
func newSessionID() string {
	return uuid.New().String()
}
