package statebus

import (
	"context"
	"reflect"
	"sync"
)

// PanicHandler is called when an action handler panics during delivery. The
// panic is swallowed after the handler runs; delivery to the remaining
// subscribers of the same publish is never affected.
type PanicHandler func(event any, subscriptionID string, recovered any)

// Bus is a type-keyed publish/subscribe event bus. Each event type gets its
// own broadcast channel, created lazily on the first subscribe or publish
// for that type; every subscriber of a type observes the same publish order.
type Bus struct {
	regMu    sync.RWMutex
	channels map[reflect.Type]any // *broadcaster[E]
	closed   bool

	panicHandler PanicHandler
	obs          Observability
	buffer       int
	wg           sync.WaitGroup
}

// NewBus creates a Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		channels: make(map[reflect.Type]any),
		obs:      NopObservability{},
		buffer:   defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func eventTypeOf[E any]() reflect.Type {
	return reflect.TypeOf((*E)(nil)).Elem()
}

// Publish delivers event to every live subscriber of type E, synchronously
// and in subscription order. A nil event is a no-op, as is publishing a type
// nobody subscribed to.
func Publish[E any](b *Bus, event E) error {
	return PublishContext(context.Background(), b, event)
}

// PublishContext is Publish with a caller-supplied context for the
// observability hooks.
func PublishContext[E any](ctx context.Context, b *Bus, event E) error {
	if isNilEvent(event) {
		return nil
	}
	ch, err := channelOf[E](b)
	if err != nil {
		return err
	}
	name := eventTypeOf[E]().String()
	ctx = b.obs.OnPublishStart(ctx, name)
	ch.publish(event)
	b.obs.OnPublishComplete(ctx, name)
	return nil
}

// Subscribe returns a stream subscription over the channel for E. Every call
// yields an independent subscription; all subscriptions of the same type
// observe the same publish sequence.
func Subscribe[E any](b *Bus) (*Subscription[E], error) {
	ch, err := channelOf[E](b)
	if err != nil {
		return nil, err
	}
	return ch.subscribe(nil, nil), nil
}

// SubscribeFiltered is Subscribe restricted to events satisfying pred.
func SubscribeFiltered[E any](b *Bus, pred func(E) bool) (*Subscription[E], error) {
	ch, err := channelOf[E](b)
	if err != nil {
		return nil, err
	}
	return ch.subscribe(nil, pred), nil
}

// SubscribeAction invokes handler for every event of type E. The returned
// subscription's Cancel stops further delivery to this handler only.
func SubscribeAction[E any](b *Bus, handler func(E), opts ...SubscribeOption) (*Subscription[E], error) {
	ch, err := channelOf[E](b)
	if err != nil {
		return nil, err
	}
	return ch.subscribe(handler, nil, opts...), nil
}

// SubscribeActionFiltered is SubscribeAction restricted to events satisfying
// pred.
func SubscribeActionFiltered[E any](b *Bus, handler func(E), pred func(E) bool, opts ...SubscribeOption) (*Subscription[E], error) {
	ch, err := channelOf[E](b)
	if err != nil {
		return nil, err
	}
	return ch.subscribe(handler, pred, opts...), nil
}

// HasSubscribers reports whether any live subscription exists for E. It does
// not create the channel.
func HasSubscribers[E any](b *Bus) bool {
	b.regMu.RLock()
	ch, ok := b.channels[eventTypeOf[E]()]
	b.regMu.RUnlock()
	if !ok {
		return false
	}
	return ch.(interface{ subscriberCount() int }).subscriberCount() > 0
}

// WaitAsync blocks until every handler dispatched with the Async option has
// returned.
func (b *Bus) WaitAsync() {
	b.wg.Wait()
}

// Close completes every per-type channel and clears the registry.
// Idempotent; operations after Close fail with ErrBusClosed.
func (b *Bus) Close() error {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		ch.(interface{ close() }).close()
	}
	b.channels = make(map[reflect.Type]any)
	return nil
}

// channelOf returns the broadcaster for E, creating it on first use.
func channelOf[E any](b *Bus) (*broadcaster[E], error) {
	t := eventTypeOf[E]()

	b.regMu.RLock()
	if b.closed {
		b.regMu.RUnlock()
		return nil, ErrBusClosed
	}
	if ch, ok := b.channels[t]; ok {
		b.regMu.RUnlock()
		return ch.(*broadcaster[E]), nil
	}
	b.regMu.RUnlock()

	b.regMu.Lock()
	defer b.regMu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if ch, ok := b.channels[t]; ok {
		return ch.(*broadcaster[E]), nil
	}
	ch := newBroadcaster[E](false, b.buffer, b.notifyPanic, &b.wg)
	b.channels[t] = ch
	return ch, nil
}

// notifyPanic routes a recovered handler panic to the observability hooks
// and the configured PanicHandler.
func (b *Bus) notifyPanic(event any, subscriptionID string, recovered any) {
	name := ""
	if event != nil {
		name = reflect.TypeOf(event).String()
	}
	b.obs.OnHandlerPanic(name, subscriptionID, recovered)
	if b.panicHandler != nil {
		b.panicHandler(event, subscriptionID, recovered)
	}
}

// isNilEvent reports whether an event value is nil, either directly or
// through a nil-able kind.
func isNilEvent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
