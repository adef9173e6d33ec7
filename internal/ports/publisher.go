package ports

import "context"

// Publisher emits config change notifications. Fire and forget: failures
// are logged, never returned, and there is no retry queue.
type Publisher interface {
	Publish(ctx context.Context, category string)
}
