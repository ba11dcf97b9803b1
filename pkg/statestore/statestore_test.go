package statestore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore.app/pkg/clock"
)

func TestGetOrCreate_CreatesOnFirstTouch(t *testing.T) {
	s := New(10, time.Hour)

	v := s.GetOrCreate("a", func() interface{} { return "fresh" })
	if v != "fresh" {
		t.Fatalf("got %v, want fresh", v)
	}

	v2 := s.GetOrCreate("a", func() interface{} { return "should-not-be-used" })
	if v2 != "fresh" {
		t.Errorf("second call should return the existing state, got %v", v2)
	}
}

func TestGetOrCreate_CoalescesConcurrentFirstTouch(t *testing.T) {
	s := New(10, time.Hour)

	var created int64
	var wg sync.WaitGroup
	results := make([]interface{}, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v := s.GetOrCreate("shared", func() interface{} {
				atomic.AddInt64(&created, 1)
				return "state"
			})
			results[idx] = v
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("create() called %d times, want exactly 1", created)
	}
	for _, v := range results {
		if v != "state" {
			t.Errorf("racer got %v, want state", v)
		}
	}
}

func TestEviction_MaxSize(t *testing.T) {
	s := New(5, time.Hour)

	for i := 0; i < 6; i++ {
		s.GetOrCreate(fmt.Sprintf("key-%d", i), func() interface{} { return i })
	}

	if s.Size() != 5 {
		t.Errorf("Size() = %d, want 5 after inserting N+1 keys into a size-5 store", s.Size())
	}
}

func TestEviction_LRUOrderRespected(t *testing.T) {
	s := New(2, time.Hour)

	s.GetOrCreate("a", func() interface{} { return "a" })
	s.GetOrCreate("b", func() interface{} { return "b" })
	s.Get("a") // touch a, making b the least-recently-used
	s.GetOrCreate("c", func() interface{} { return "c" })

	if _, ok := s.Get("b"); ok {
		t.Error("b should have been evicted as least-recently-used")
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("a should survive (recently touched)")
	}
}

func TestIdleEviction(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := NewWithClock(10, time.Minute, mc)

	s.GetOrCreate("a", func() interface{} { return "a" })
	mc.Advance(2 * time.Minute)

	if _, ok := s.Get("a"); ok {
		t.Error("entry untouched for longer than idleTTL should be evicted")
	}
}

func TestIdleEviction_ResetsOnAccess(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := NewWithClock(10, time.Minute, mc)

	s.GetOrCreate("a", func() interface{} { return "a" })
	mc.Advance(30 * time.Second)
	s.Get("a") // refresh idle deadline
	mc.Advance(45 * time.Second)

	if _, ok := s.Get("a"); !ok {
		t.Error("a touched within idleTTL should still be present")
	}
}

func TestEvictedKeyStartsFresh(t *testing.T) {
	s := New(1, time.Hour)

	s.GetOrCreate("a", func() interface{} { return "first" })
	s.GetOrCreate("b", func() interface{} { return "second" }) // evicts a

	var recreated bool
	v := s.GetOrCreate("a", func() interface{} {
		recreated = true
		return "rebuilt"
	})

	if !recreated || v != "rebuilt" {
		t.Error("an evicted-then-reseen key must start fresh, not resurrect old state")
	}
}
