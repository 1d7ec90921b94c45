/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"time"
)

// Conn identifies one admitted request-processing slot.
// It is created by the Manager on successful admission, stays owned by the Manager
// for its lifetime and must be passed back to Release exactly once.
type Conn struct {
	// ID is the unique identifier of the admitted connection.
	ID string

	// ClientID is the identity the admission was granted to.
	ClientID string

	// AcquiredAt is the admission timestamp.
	AcquiredAt time.Time
}
