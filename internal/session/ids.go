package session

import "github.com/google/uuid"

// newCommandID mints a uuid for a command that did not arrive with a
// caller-supplied CommandID.
func newCommandID() string {
	return uuid.New().String()
}
