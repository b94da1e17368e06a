package lockmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	m := New()

	counter := 0

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			release := m.Acquire("instance-1")
			defer release()

			counter++
		}()
	}

	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, m.Len(), "entries must be removed once released")
}

func TestAcquireDistinctKeysDoNotBlock(t *testing.T) {
	m := New()

	releaseA := m.Acquire("a")
	defer releaseA()

	done := make(chan struct{})

	go func() {
		release := m.Acquire("b")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different key blocked")
	}
}

func TestAcquireAllOverlappingSets(t *testing.T) {
	m := New()

	var wg sync.WaitGroup

	// Opposite orderings would deadlock without the sorted acquisition.
	for range 20 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			release := m.AcquireAll([]string{"vol-2", "inst-1"})
			release()
		}()

		go func() {
			defer wg.Done()

			release := m.AcquireAll([]string{"inst-1", "vol-2"})
			release()
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock acquiring overlapping lock sets")
	}

	assert.Equal(t, 0, m.Len())
}

func TestAcquireAllDeduplicates(t *testing.T) {
	m := New()

	release := m.AcquireAll([]string{"x", "x", "y"})
	assert.Equal(t, 2, m.Len())
	release()
	assert.Equal(t, 0, m.Len())
}
