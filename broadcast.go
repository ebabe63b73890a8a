package statebus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// broadcaster is the multi-subscriber primitive underneath both the store's
// value streams and the bus's event channels. It comes in two modes: a
// replay-latest broadcaster hands the most recently published value to every
// new subscriber, a forward-only broadcaster carries values forward only.
//
// Delivery is serialized by the broadcaster's mutex, so every subscriber of
// one broadcaster observes the same total order of values. Action handlers
// run inside that critical section (unless subscribed with Async), which
// means a synchronous handler must not publish back into its own channel or
// cancel subscriptions of it.
type broadcaster[T any] struct {
	mu     sync.Mutex
	subs   []*Subscription[T]
	latest T
	primed bool

	replay bool
	buffer int
	closed bool

	// Owner-level collaborators, shared across all broadcasters of one
	// Bus or Store.
	panicFn func(event any, subscriptionID string, recovered any)
	wg      *sync.WaitGroup
}

func newBroadcaster[T any](replay bool, buffer int, panicFn func(any, string, any), wg *sync.WaitGroup) *broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &broadcaster[T]{
		replay:  replay,
		buffer:  buffer,
		panicFn: panicFn,
		wg:      wg,
	}
}

// Subscription is the handle returned by every subscribe operation. Stream
// subscriptions expose their values on Events; action subscriptions deliver
// to the handler instead and leave Events nil. Cancel stops further delivery
// to this subscriber only and is safe to call any number of times.
type Subscription[T any] struct {
	id    string
	owner *broadcaster[T]

	ch   chan T
	fn   func(T)
	pred func(T) bool

	once       bool
	async      bool
	sequential bool
	executed   atomic.Bool
	seqMu      sync.Mutex

	done       chan struct{}
	cancelOnce sync.Once
	chClosed   bool // guarded by owner.mu
}

// ID returns the unique identifier of this subscription.
func (s *Subscription[T]) ID() string { return s.id }

// Events returns the subscription's value stream. It is nil for action
// subscriptions. The channel is closed when the subscription is cancelled or
// the owning store/bus is closed.
func (s *Subscription[T]) Events() <-chan T { return s.ch }

// Done is closed once the subscription is cancelled or its owner is closed.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Cancel stops delivery to this subscription. Other subscriptions on the
// same channel are unaffected. Idempotent.
func (s *Subscription[T]) Cancel() {
	// Closing done first unblocks any in-flight send to a full buffer.
	s.cancelOnce.Do(func() { close(s.done) })

	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.ch != nil && !s.chClosed {
		close(s.ch)
		s.chClosed = true
	}
}

// subscribe registers a new subscriber. A non-nil fn makes this an action
// subscription; otherwise a buffered stream channel is allocated. For a
// replay-latest broadcaster the current value is delivered before returning.
func (b *broadcaster[T]) subscribe(fn func(T), pred func(T) bool, opts ...SubscribeOption) *Subscription[T] {
	sub := &Subscription[T]{
		id:    uuid.NewString(),
		owner: b,
		fn:    fn,
		pred:  pred,
		done:  make(chan struct{}),
	}
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	sub.once = cfg.once
	sub.async = cfg.async
	sub.sequential = cfg.sequential
	if fn == nil {
		sub.ch = make(chan T, b.buffer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// The owner checks its closed flag before reaching here; this is
		// a backstop so a racing Close cannot leak a live subscription.
		if sub.ch != nil {
			close(sub.ch)
			sub.chClosed = true
		}
		sub.cancelOnce.Do(func() { close(sub.done) })
		return sub
	}
	b.subs = append(b.subs, sub)
	if b.replay && b.primed {
		// The fresh channel always has room for one replayed value.
		if b.deliver(sub, b.latest) {
			b.remove(sub)
		}
	}
	return sub
}

// prime seeds a replay-latest broadcaster that has not published yet, so a
// first subscriber still receives a value immediately. No-op once a value
// has been published.
func (b *broadcaster[T]) prime(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.primed || !b.replay {
		return
	}
	b.latest = v
	b.primed = true
}

// publish fans a value out to every live subscriber, in subscription order,
// under the broadcaster mutex.
func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.replay {
		b.latest = v
		b.primed = true
	}

	var spent []*Subscription[T]
	for _, sub := range b.subs {
		if b.deliver(sub, v) {
			spent = append(spent, sub)
		}
	}
	for _, sub := range spent {
		b.remove(sub)
	}
}

// deliver sends one value to one subscriber and reports whether the
// subscription is spent (a Once subscription that has now fired).
// Called with b.mu held.
func (b *broadcaster[T]) deliver(sub *Subscription[T], v T) bool {
	if sub.pred != nil && !sub.pred(v) {
		return false
	}
	if sub.once && !sub.executed.CompareAndSwap(false, true) {
		return false
	}

	switch {
	case sub.fn == nil:
		select {
		case sub.ch <- v:
		case <-sub.done:
		}
	case sub.async:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if sub.sequential {
				sub.seqMu.Lock()
				defer sub.seqMu.Unlock()
			}
			select {
			case <-sub.done:
				return
			default:
			}
			b.call(sub, v)
		}()
	default:
		b.call(sub, v)
	}
	return sub.once
}

// call invokes an action handler, containing any panic so the remaining
// subscribers of the same publish still receive the value.
func (b *broadcaster[T]) call(sub *Subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			if b.panicFn != nil {
				b.panicFn(v, sub.id, r)
			}
		}
	}()
	sub.fn(v)
}

// remove drops a subscription from the list. Called with b.mu held.
func (b *broadcaster[T]) remove(sub *Subscription[T]) {
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// close completes every subscription and rejects further publishes.
func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.cancelOnce.Do(func() { close(sub.done) })
		if sub.ch != nil && !sub.chClosed {
			close(sub.ch)
			sub.chClosed = true
		}
	}
	b.subs = nil
}

// subscriberCount reports the number of live subscriptions.
func (b *broadcaster[T]) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
