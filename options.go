package statebus

// SubscribeOption configures an action subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	once       bool
	async      bool
	sequential bool
}

// Once configures the subscription to fire for a single event and then
// cancel itself.
func Once() SubscribeOption {
	return func(c *subscribeConfig) {
		c.once = true
	}
}

// Async configures the handler to run on its own goroutine. If sequential is
// true, events are still processed one at a time for that handler.
func Async(sequential bool) SubscribeOption {
	return func(c *subscribeConfig) {
		c.async = true
		c.sequential = sequential
	}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithPanicHandler sets the function invoked when an action handler panics.
func WithPanicHandler(handler PanicHandler) BusOption {
	return func(b *Bus) {
		b.panicHandler = handler
	}
}

// WithObservability installs observability hooks on the bus.
func WithObservability(obs Observability) BusOption {
	return func(b *Bus) {
		b.obs = obs
	}
}

// WithEventBuffer sets the per-subscription channel buffer used by stream
// subscriptions. The minimum is 1.
func WithEventBuffer(n int) BusOption {
	return func(b *Bus) {
		b.buffer = n
	}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreObservability installs observability hooks on the store.
func WithStoreObservability(obs Observability) StoreOption {
	return func(s *Store) {
		s.obs = obs
	}
}

// WithStateBuffer sets the per-subscription channel buffer used by the
// store's value and change streams. The minimum is 1.
func WithStateBuffer(n int) StoreOption {
	return func(s *Store) {
		s.buffer = n
	}
}
