package duplex

// DelegateChannel forwards Stream and Sink to an inner Channel. It exists so
// user types can embed it and override only the methods they need to
// specialize, the way a subclass would override a single virtual method in
// languages that have them — DelegateChannel itself contributes no behavior
// beyond forwarding.
type DelegateChannel[T any] struct {
	Inner Channel[T]
}

// Stream forwards to the inner channel.
func (d *DelegateChannel[T]) Stream() Stream[T] { return d.Inner.Stream() }

// Sink forwards to the inner channel.
func (d *DelegateChannel[T]) Sink() Sink[T] { return d.Inner.Sink() }

var _ Channel[int] = (*DelegateChannel[int])(nil)
