// Package uuid generates the random identifiers used for queue
// entries, placeholder lead ids, and websocket clients.
package uuid

import "github.com/google/uuid"

// New returns a random identifier in canonical UUID form.
func New() string {
	return uuid.New().String()
}
