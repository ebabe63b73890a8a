// Package statebus is an in-process, typed state container paired with a
// publish/subscribe event bus. It lets independent consumers share mutable
// application state and notify each other of changes without holding
// references to one another.
//
// # Store
//
// A Store holds exactly one live instance per state type. Instances are
// created lazily with their zero value and mutated in place under a single
// mutation lock:
//
//	store := statebus.NewStore()
//	defer store.Close()
//
//	change, err := statebus.Mutate(store, func(s *Settings) error {
//	    s.Theme = "dark"
//	    return nil
//	})
//
// Around every mutation the store snapshots the structural encoding of each
// exported top-level field and diffs it afterwards, so an in-place edit of a
// nested slice or struct still surfaces as a PropertyChange on the outer
// field. Consumers observe state through two streams per type:
//
//	cur, _ := statebus.ObserveCurrent[Settings](store) // replays the latest value
//	chg, _ := statebus.ObserveChanges[Settings](store) // forward-only deltas
//
// Replace installs a new instance wholesale. It emits on the current-value
// stream but never on the change stream: replacement is a reset, not a
// tracked delta.
//
// Stream subscriptions are backed by bounded buffers. A subscriber that
// stops draining eventually backpressures the publisher, so cancel
// subscriptions that are no longer consumed.
//
// # Bus
//
// A Bus multiplexes arbitrary event types through independent broadcast
// channels keyed by the exact event type:
//
//	bus := statebus.NewBus()
//	defer bus.Close()
//
//	sub, _ := statebus.SubscribeAction(bus, func(e LoginEvent) { ... })
//	statebus.Publish(bus, LoginEvent{User: "ada"})
//	sub.Cancel()
//
// Delivery is synchronous, in subscription order, on the publishing
// goroutine. A panicking handler is recovered and reported to the configured
// PanicHandler; the remaining subscribers of the same publish still receive
// the event. A synchronous action handler must not publish back into the
// channel it is subscribed to, or cancel subscriptions of that channel; use
// the Async option for handlers that need to do either.
//
// # Scope
//
// Construct one Store/Bus per logical session, or share a single pair
// process-wide; the behavior is identical. The owning scope must call Close
// exactly once when it ends. Close is idempotent, and every operation on a
// closed Store or Bus fails with ErrStoreClosed or ErrBusClosed.
package statebus
