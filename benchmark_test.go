package statebus

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// Benchmark events
type BenchmarkEvent struct {
	ID    int
	Value string
}

type benchState struct {
	Count int
	Tags  []string
}

// Benchmark basic publish to one action handler
func BenchmarkPublishAction(b *testing.B) {
	bus := NewBus()
	defer bus.Close()

	var sink int
	if _, err := SubscribeAction(bus, func(evt BenchmarkEvent) {
		sink = evt.ID
	}); err != nil {
		b.Fatal(err)
	}
	_ = sink

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Publish(bus, BenchmarkEvent{ID: i, Value: "test"})
	}
}

// Benchmark fan-out across multiple action handlers
func BenchmarkPublishFanOut(b *testing.B) {
	for _, numSubscribers := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("subscribers-%d", numSubscribers), func(b *testing.B) {
			bus := NewBus()
			defer bus.Close()

			var sink int
			for i := 0; i < numSubscribers; i++ {
				if _, err := SubscribeAction(bus, func(evt BenchmarkEvent) {
					sink = evt.ID
				}); err != nil {
					b.Fatal(err)
				}
			}
			_ = sink

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				Publish(bus, BenchmarkEvent{ID: i, Value: "test"})
			}
		})
	}
}

// Benchmark concurrent publishers on one event type
func BenchmarkConcurrentPublish(b *testing.B) {
	bus := NewBus()
	defer bus.Close()

	var sink int
	if _, err := SubscribeAction(bus, func(evt BenchmarkEvent) {
		sink = evt.ID
	}); err != nil {
		b.Fatal(err)
	}
	_ = sink

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			Publish(bus, BenchmarkEvent{ID: 1, Value: "test"})
		}
	})
}

// Benchmark the full mutate path: lock, snapshot, update, diff, publish
func BenchmarkMutate(b *testing.B) {
	store := NewStore()
	defer store.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Mutate(store, func(s *benchState) error {
			s.Count++
			return nil
		}); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark a no-op mutation, which still pays for snapshot and diff
func BenchmarkMutateNoChange(b *testing.B) {
	store := NewStore()
	defer store.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Mutate(store, func(s *benchState) error {
			return nil
		}); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark contended mutations across goroutines
func BenchmarkMutateContended(b *testing.B) {
	for _, numWriters := range []int{2, 8, 32} {
		b.Run(fmt.Sprintf("writers-%d", numWriters), func(b *testing.B) {
			store := NewStore()
			defer store.Close()

			perWriter := b.N / numWriters
			if perWriter == 0 {
				perWriter = 1
			}

			b.ResetTimer()
			var wg sync.WaitGroup
			wg.Add(numWriters)
			for w := 0; w < numWriters; w++ {
				go func() {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						_, _ = Mutate(store, func(s *benchState) error {
							s.Count++
							return nil
						})
					}
				}()
			}
			wg.Wait()
		})
	}
}

// Benchmark snapshot/diff in isolation
func BenchmarkDiff(b *testing.B) {
	state := &benchState{Count: 1, Tags: []string{"a", "b", "c"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		changes := diffOfBench(state, func() {
			state.Count++
		})
		if len(changes) != 1 {
			b.Fatal("expected one change")
		}
	}
}

func diffOfBench(state *benchState, mutate func()) []PropertyChange {
	rv := reflect.ValueOf(state).Elem()
	fields := fieldsOf(rv.Type())
	before := snapshotFields(rv, fields)
	mutate()
	return diffFields(before, rv, fields)
}
