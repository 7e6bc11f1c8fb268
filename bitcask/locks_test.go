package bitcask

import (
	"sync"
	"testing"
)

func TestLockForReturnsStableMutex(t *testing.T) {
	var registry LockRegistry

	first := registry.LockFor("user:1")
	if registry.LockFor("user:1") != first {
		t.Error("Expected the same mutex for the same key")
	}
	if registry.LockFor("user:2") == first {
		t.Error("Expected distinct keys to get distinct mutexes")
	}
	if registry.Len() != 2 {
		t.Errorf("Expected 2 registered keys, got %d", registry.Len())
	}
}

func TestLockForConcurrentCreation(t *testing.T) {
	var registry LockRegistry
	var wg sync.WaitGroup
	got := make([]*sync.Mutex, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = registry.LockFor("hot")
		}()
	}
	wg.Wait()

	for i, mu := range got {
		if mu != got[0] {
			t.Fatalf("Goroutine %d got a different mutex", i)
		}
	}
}
