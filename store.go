package statebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"
)

const defaultBuffer = 16

// Store is a typed state container. It holds exactly one live instance per
// state type, serializes mutations, and detects which top-level fields a
// mutation changed — including in-place edits of nested mutable values —
// by snapshotting each field's structural encoding around the update.
//
// State types must be structs. Instances are created lazily with their zero
// value on first access and live until the store is closed.
type Store struct {
	// mu is the mutation lock, shared across all state types: an in-flight
	// mutation on one type blocks mutations on every other type. See the
	// package documentation for the trade-off.
	mu sync.Mutex

	regMu   sync.RWMutex
	states  map[reflect.Type]any // *T
	current map[reflect.Type]any // *broadcaster[T]
	changes map[reflect.Type]any // *broadcaster[StateChange[T]]
	closed  bool

	obs    Observability
	buffer int
}

// NewStore creates a Store. Construct one per logical session, or share one
// process-wide; the store itself behaves identically in both scopes.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		states:  make(map[reflect.Type]any),
		current: make(map[reflect.Type]any),
		changes: make(map[reflect.Type]any),
		obs:     NopObservability{},
		buffer:  defaultBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stateTypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Get returns the live instance for T, constructing and registering a
// zero-valued instance on first use. Repeated calls return the same
// instance. It fails only on a closed store.
func Get[T any](s *Store) (*T, error) {
	t := stateTypeOf[T]()

	s.regMu.RLock()
	if s.closed {
		s.regMu.RUnlock()
		return nil, ErrStoreClosed
	}
	if v, ok := s.states[t]; ok {
		s.regMu.RUnlock()
		return v.(*T), nil
	}
	s.regMu.RUnlock()

	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if v, ok := s.states[t]; ok {
		return v.(*T), nil
	}
	inst := new(T)
	s.states[t] = inst
	return inst, nil
}

// Replace unconditionally installs value as the instance for T and publishes
// it on the current-value stream. Replacement is a reset, not a tracked
// delta: no change detection runs and nothing is emitted on the change
// stream.
func Replace[T any](s *Store, value T) error {
	cur, err := currentChannel[T](s)
	if err != nil {
		return err
	}
	inst := &value

	// Install and publish as one step under the mutation lock so
	// concurrent Replace calls cannot leave Get and the stream's latest
	// value disagreeing. The registry lock is held only for the map write:
	// a subscriber with a full buffer stalls this Replace (and mutations
	// behind it), but never Get or channel creation on other types.
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regMu.Lock()
	if s.closed {
		s.regMu.Unlock()
		return ErrStoreClosed
	}
	s.states[stateTypeOf[T]()] = inst
	s.regMu.Unlock()

	cur.publish(value)
	return nil
}

// Mutate runs fn against the live instance for T under the mutation lock and
// publishes the result. See MutateContext.
func Mutate[T any](s *Store, fn func(*T) error) (*StateChange[T], error) {
	return MutateContext(context.Background(), s, func(_ context.Context, v *T) error {
		return fn(v)
	})
}

// MutateContext acquires the mutation lock, snapshots the instance for T,
// runs fn with exclusive access to it, and diffs the result against the
// snapshot. The post-mutation value is always published on the current-value
// stream; a StateChange is published on the change stream and returned only
// when at least one field changed. A nil, nil return means the mutation was
// a no-op.
//
// The lock is held for the full duration of fn, including any blocking work
// it does, so a slow update serializes all later mutations behind it. If fn
// returns an error the lock is released, nothing is published, and the error
// is returned as-is.
func MutateContext[T any](ctx context.Context, s *Store, fn func(context.Context, *T) error) (*StateChange[T], error) {
	t := stateTypeOf[T]()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("statebus: state type %s is not a struct", t)
	}
	cur, err := currentChannel[T](s)
	if err != nil {
		return nil, err
	}
	chg, err := changeChannel[T](s)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := Get[T](s)
	if err != nil {
		return nil, err
	}

	fields := fieldsOf(t)
	rv := reflect.ValueOf(inst).Elem()
	before := snapshotFields(rv, fields)

	mctx := s.obs.OnMutateStart(ctx, t.String())
	start := time.Now()
	if err := fn(mctx, inst); err != nil {
		s.obs.OnMutateComplete(mctx, t.String(), time.Since(start), 0, err)
		return nil, err
	}

	diff := diffFields(before, rv, fields)
	s.obs.OnMutateComplete(mctx, t.String(), time.Since(start), len(diff), nil)

	// Publish a value snapshot, never the live instance: buffered
	// notifications must keep reflecting the state at their own mutation,
	// not whatever the instance holds by the time they are drained.
	snap := *inst
	cur.publish(snap)
	if len(diff) == 0 {
		return nil, nil
	}
	sc := &StateChange[T]{State: &snap, Changes: diff}
	chg.publish(*sc)
	return sc, nil
}

// ObserveCurrent subscribes to the current-value stream for T. The
// subscriber receives the current value immediately, then every value the
// store produces for T (via Replace or Mutate), in publish order, until the
// subscription is cancelled or the store closes. The stream carries value
// snapshots, not the live instance.
func ObserveCurrent[T any](s *Store) (*Subscription[T], error) {
	cur, err := currentChannel[T](s)
	if err != nil {
		return nil, err
	}
	inst, err := Get[T](s)
	if err != nil {
		return nil, err
	}
	// Copy under the mutation lock: an in-flight update may be writing
	// the instance this snapshot reads.
	s.mu.Lock()
	snap := *inst
	s.mu.Unlock()
	cur.prime(snap)
	return cur.subscribe(nil, nil), nil
}

// ObserveChanges subscribes to the change stream for T. Only StateChange
// events produced after the subscription are delivered; there is no replay.
func ObserveChanges[T any](s *Store) (*Subscription[StateChange[T]], error) {
	chg, err := changeChannel[T](s)
	if err != nil {
		return nil, err
	}
	return chg.subscribe(nil, nil), nil
}

// Close completes every value and change stream and clears the registries.
// Idempotent; operations after Close fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, b := range s.current {
		b.(interface{ close() }).close()
	}
	for _, b := range s.changes {
		b.(interface{ close() }).close()
	}
	s.states = make(map[reflect.Type]any)
	s.current = make(map[reflect.Type]any)
	s.changes = make(map[reflect.Type]any)
	return nil
}

// currentChannel returns the current-value broadcaster for T, creating it on
// first use. The broadcaster carries T by value so every notification is an
// independent snapshot.
func currentChannel[T any](s *Store) (*broadcaster[T], error) {
	t := stateTypeOf[T]()

	s.regMu.RLock()
	if s.closed {
		s.regMu.RUnlock()
		return nil, ErrStoreClosed
	}
	if b, ok := s.current[t]; ok {
		s.regMu.RUnlock()
		return b.(*broadcaster[T]), nil
	}
	s.regMu.RUnlock()

	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if b, ok := s.current[t]; ok {
		return b.(*broadcaster[T]), nil
	}
	b := newBroadcaster[T](true, s.buffer, nil, nil)
	s.current[t] = b
	return b, nil
}

// changeChannel returns the change-event broadcaster for T, creating it on
// first use.
func changeChannel[T any](s *Store) (*broadcaster[StateChange[T]], error) {
	t := stateTypeOf[T]()

	s.regMu.RLock()
	if s.closed {
		s.regMu.RUnlock()
		return nil, ErrStoreClosed
	}
	if b, ok := s.changes[t]; ok {
		s.regMu.RUnlock()
		return b.(*broadcaster[StateChange[T]]), nil
	}
	s.regMu.RUnlock()

	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if b, ok := s.changes[t]; ok {
		return b.(*broadcaster[StateChange[T]]), nil
	}
	b := newBroadcaster[StateChange[T]](false, s.buffer, nil, nil)
	s.changes[t] = b
	return b, nil
}
