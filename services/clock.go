package services

import "time"

// Clock abstracts time retrieval so ledger, cache and queue logic is
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
