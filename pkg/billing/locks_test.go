package billing

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantLocksSerializeSameTenant(t *testing.T) {
	locks := NewTenantLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Acquire(42)
			defer release()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestTenantLocksIndependentTenants(t *testing.T) {
	locks := NewTenantLocks()

	// Holding tenant 1's lock must not block tenant 2.
	release1 := locks.Acquire(1)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2 := locks.Acquire(2)
		release2()
		close(done)
	}()
	<-done
}
