package ports

import (
	"time"

	"github.com/reglet-dev/reglet-embed/domain/entities"
)

// Observer receives lifecycle events. Implementations must be safe for
// concurrent use and must not block; they are called on the caller's goroutine.
type Observer interface {
	// Transition is called after every state change.
	Transition(from, to entities.RuntimeState)

	// Call is called after every lifecycle operation with its resulting status.
	Call(op string, status entities.StatusCode, elapsed time.Duration)
}
