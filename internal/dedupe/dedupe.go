// Package dedupe rejects repeated submissions of the same dedupe key inside a
// time window.
package dedupe

import (
	"context"
	"time"
)

const DefaultWindow = 5 * time.Minute

type Verdict int

const (
	Accepted Verdict = iota
	RejectedDuplicate
)

func (v Verdict) String() string {
	if v == RejectedDuplicate {
		return "rejected_duplicate"
	}
	return "accepted"
}

type Deduplicator interface {
	// Accept records key and returns Accepted, or RejectedDuplicate when the
	// key was accepted less than one window ago.
	Accept(ctx context.Context, key string) (Verdict, error)
	// Forget drops a recorded key so that it can be accepted again.
	Forget(ctx context.Context, key string) error
}
