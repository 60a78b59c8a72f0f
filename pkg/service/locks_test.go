package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionLocks(t *testing.T) {
	locks := newSessionLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("s1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.size())
}

func TestSessionLocks_IndependentSessions(t *testing.T) {
	locks := newSessionLocks()
	unlockA := locks.lock("a")
	// A different session must not block while "a" is held.
	unlockB := locks.lock("b")
	assert.Equal(t, 2, locks.size())
	unlockB()
	unlockA()
	assert.Equal(t, 0, locks.size())
}
