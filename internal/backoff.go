package internal

import (
	"math/rand"
	"time"
)

// ConnectionDelay returns the sleep before the next SQL connect attempt.
// The delay grows linearly: base after the first failure, 2*base after the
// second, and so on. attempt counts failed attempts starting at zero.
func ConnectionDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 0 || base <= 0 {
		return 0
	}
	return time.Duration(attempt+1) * base
}

// TransactionDelay returns a uniformly random delay in [0, 2*unit).
// Transaction retries are jittered so that concurrent writers competing for
// the same lock do not retry in lockstep.
func TransactionDelay(unit time.Duration) time.Duration {
	if unit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(2 * unit)))
}
