// Step-up authorization: a 403 with error="insufficient_scope" triggers a
// new authorization cycle for the union of granted and required scopes.
package agent

import (
	"sync"
)

// maxStepUpAttempts is the hard bound on step-ups per authorization context
const maxStepUpAttempts = 3

// stepUpTracker counts step-up attempts per resource URI
type stepUpTracker struct {
	mu       sync.Mutex
	attempts map[string]int
	max      int
}

func newStepUpTracker(max int) *stepUpTracker {
	if max <= 0 || max > maxStepUpAttempts {
		max = maxStepUpAttempts
	}
	return &stepUpTracker{
		attempts: make(map[string]int),
		max:      max,
	}
}

// next increments the counter for resource before anything else happens and
// reports whether the new attempt is within the bound.
func (t *stepUpTracker) next(resource string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts[resource]++
	n := t.attempts[resource]
	return n, n <= t.max
}

// reset clears the counter for resource
func (t *stepUpTracker) reset(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, resource)
}

// count returns the attempts made for resource
func (t *stepUpTracker) count(resource string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[resource]
}
