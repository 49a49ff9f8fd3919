package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := New()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Do("fn-a", func() {
				counter++
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyLockIndependentKeys(t *testing.T) {
	kl := New()

	kl.Lock("fn-a")
	done := make(chan struct{})
	go func() {
		kl.Do("fn-b", func() {})
		close(done)
	}()
	<-done
	kl.Unlock("fn-a")
}

func TestKeyLockReclaimsEntries(t *testing.T) {
	kl := New()

	kl.Lock("fn-a")
	kl.Unlock("fn-a")

	kl.mu.Lock()
	defer kl.mu.Unlock()
	assert.Empty(t, kl.entries)
}

func TestKeyLockUnlockUnheldPanics(t *testing.T) {
	kl := New()
	assert.Panics(t, func() { kl.Unlock("fn-a") })
}
