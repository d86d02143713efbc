package memory

import (
	"context"
	"time"
)

// lease is one named advisory lease: a holder and an expiry. Store's
// TryAcquireLease and ReleaseLease structurally satisfy
// plugins/singleflight.LeaseStore without importing that package, so
// storage/memory has no dependency on any specific plugin.
type lease struct {
	holder  string
	expires time.Time
}

// TryAcquireLease attempts to take name for holderID, valid for duration.
// An expired lease (expires in the past) is treated as available regardless
// of its previous holder, recovering from a crashed holder that never
// released it.
func (s *Store) TryAcquireLease(_ context.Context, name, holderID string, duration time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leases == nil {
		s.leases = make(map[string]*lease)
	}

	now := timeNow()
	l, ok := s.leases[name]
	if ok && l.holder != holderID && l.expires.After(now) {
		return false, nil
	}

	s.leases[name] = &lease{holder: holderID, expires: now.Add(duration)}
	return true, nil
}

// ReleaseLease releases name if holderID currently holds it.
func (s *Store) ReleaseLease(_ context.Context, name, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.holder == holderID {
		delete(s.leases, name)
	}
	return nil
}
