package interfaces

import "context"

// Dispatcher receives raw frames from a connection and is told when the
// connection goes away. A single connection never calls HandleFrame
// concurrently with itself.
type Dispatcher interface {
	HandleFrame(ctx context.Context, conn Recipient, data []byte) error
	Disconnect(ctx context.Context, conn Recipient)
}
