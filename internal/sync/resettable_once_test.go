package sync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResettableOnce_DoAndReset(t *testing.T) {
	var once ResettableOnce
	var count atomic.Int32

	once.Do(func() { count.Add(1) })
	once.Do(func() { count.Add(1) })
	if c := count.Load(); c != 1 {
		t.Fatalf("count = %d, want 1", c)
	}
	if !once.Done() {
		t.Error("Done() should be true after Do")
	}

	once.ResetWith(func() {})
	if once.Done() {
		t.Error("Done() should be false after ResetWith")
	}
	once.Do(func() { count.Add(1) })
	if c := count.Load(); c != 2 {
		t.Errorf("count after reset = %d, want 2", c)
	}
}

func TestResettableOnce_ResetWith(t *testing.T) {
	var once ResettableOnce
	var stops int

	if once.ResetWith(func() { stops++ }) {
		t.Error("ResetWith ran before Do")
	}
	once.Do(func() {})
	if !once.ResetWith(func() { stops++ }) {
		t.Error("ResetWith did not run after Do")
	}
	if once.ResetWith(func() { stops++ }) {
		t.Error("ResetWith ran twice")
	}
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
}

func TestResettableOnce_Concurrent(t *testing.T) {
	var once ResettableOnce
	var count atomic.Int32

	for cycle := 0; cycle < 10; cycle++ {
		once.ResetWith(func() {})
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				once.Do(func() { count.Add(1) })
			}()
		}
		wg.Wait()
	}

	if c := count.Load(); c != 10 {
		t.Errorf("count = %d, want 10", c)
	}
}

func TestResettableOnce_ResetWaitsForDo(t *testing.T) {
	var once ResettableOnce
	started := make(chan struct{})
	release := make(chan struct{})

	go once.Do(func() {
		close(started)
		<-release
	})
	<-started

	resetDone := make(chan struct{})
	go func() {
		once.ResetWith(func() {})
		close(resetDone)
	}()

	select {
	case <-resetDone:
		t.Fatal("ResetWith returned while Do was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-resetDone
	if once.Done() {
		t.Error("Done() should be false after ResetWith")
	}
}
