package eventbus

import "context"

// EventBus publishes session lifecycle events. Nothing in this tree
// subscribes to a session's own event stream in-process; the adapter
// invalidation channel (invalidation.go) is the pub-sub consumers actually
// use, since it's the one that crosses bayd instances.
type EventBus interface {
	Publish(ctx context.Context, sessionID string, event Event) error
}
