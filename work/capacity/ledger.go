package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Ledger is the authority on how many slots of each credential are held. Reserve is the
// only way to take a slot and must check and take in one atomic step per credential.
type Ledger interface {
	// Reserve takes a slot for token if fewer than max are held. Reserving a token that
	// already holds a slot succeeds without taking a second one.
	Reserve(ctx context.Context, credentialID int64, max int, token string, leaseUntil time.Time) (bool, error)
	// Renew extends a held slot's lease; shared ledgers use it to drop slots of dead processes
	Renew(ctx context.Context, credentialID int64, token string, leaseUntil time.Time) error
	// Release frees token's slot and reports whether it was held
	Release(ctx context.Context, credentialID int64, token string) (bool, error)
	// Count returns the number of held slots
	Count(ctx context.Context, credentialID int64) (int, error)
}

// slotSet is the holder set of one credential, guarded by its own mutex so that
// credentials never contend with each other
type slotSet struct {
	mu      sync.Mutex
	holders map[string]struct{}
}

// MemoryLedger keeps slots in process. Leases are ignored: the tracker's sweep is the
// only reclamation path for a single process.
type MemoryLedger struct {
	sets *xsync.MapOf[int64, *slotSet]
}

// NewMemoryLedger creates an empty in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{sets: xsync.NewMapOf[int64, *slotSet]()}
}

func (l *MemoryLedger) set(credentialID int64) *slotSet {
	s, _ := l.sets.LoadOrCompute(credentialID, func() *slotSet {
		return &slotSet{holders: make(map[string]struct{})}
	})
	return s
}

// Reserve implements Ledger
func (l *MemoryLedger) Reserve(_ context.Context, credentialID int64, max int, token string, _ time.Time) (bool, error) {
	s := l.set(credentialID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.holders[token]; held {
		return true, nil
	}
	if len(s.holders) >= max {
		return false, nil
	}
	s.holders[token] = struct{}{}
	return true, nil
}

// Renew implements Ledger
func (l *MemoryLedger) Renew(context.Context, int64, string, time.Time) error {
	return nil
}

// Release implements Ledger
func (l *MemoryLedger) Release(_ context.Context, credentialID int64, token string) (bool, error) {
	s, ok := l.sets.Load(credentialID)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.holders[token]; !held {
		return false, nil
	}
	delete(s.holders, token)
	return true, nil
}

// Count implements Ledger
func (l *MemoryLedger) Count(_ context.Context, credentialID int64) (int, error) {
	s, ok := l.sets.Load(credentialID)
	if !ok {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holders), nil
}
