// Package eventbus distributes server-side notifications, such as record
// changes, to in-process subscribers like websocket streams.
package eventbus

import "context"

// Bus is a thin abstraction over the internal event distribution mechanism.
// Publishing never blocks on a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}
