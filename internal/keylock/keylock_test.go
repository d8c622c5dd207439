package keylock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerialisesSameKey(t *testing.T) {
	var m Map
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("day")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("entries after release = %d, want 0", n)
	}
}

func TestLockIndependentKeys(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")
	done := make(chan struct{})
	go func() {
		m.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
	if n := m.Len(); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
	unlockA()
	if n := m.Len(); n != 0 {
		t.Fatalf("entries after release = %d, want 0", n)
	}
}

func TestEntriesDoNotAccumulate(t *testing.T) {
	var m Map
	for i := 0; i < 1000; i++ {
		m.Lock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02"))()
	}
	if n := m.Len(); n != 0 {
		t.Fatalf("entries = %d, want 0", n)
	}
}
