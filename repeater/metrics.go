package repeater

import "context"

// DropReason is the reason a received datagram is not repeated.
type DropReason string

// DropReason values.
const (
	DropReasonDecode       DropReason = "decode"
	DropReasonNotGroup     DropReason = "not_group"
	DropReasonUnknownIface DropReason = "unknown_iface"
	DropReasonSelf         DropReason = "self"
)

// Metrics is an interface for collecting repeater statistics.
type Metrics interface {
	// IncrementReceived increments the counter of datagrams read from the
	// socket.
	IncrementReceived(ctx context.Context)

	// IncrementDropped increments the counter of received datagrams that were
	// not repeated.
	IncrementDropped(ctx context.Context, reason DropReason)

	// IncrementRelayed increments the counter of datagrams sent out of the
	// named interface.
	IncrementRelayed(ctx context.Context, iface string)

	// IncrementSendErrors increments the counter of failed sends out of the
	// named interface.
	IncrementSendErrors(ctx context.Context, iface string)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncrementReceived implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementReceived(_ context.Context) {}

// IncrementDropped implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementDropped(_ context.Context, _ DropReason) {}

// IncrementRelayed implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementRelayed(_ context.Context, _ string) {}

// IncrementSendErrors implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementSendErrors(_ context.Context, _ string) {}
