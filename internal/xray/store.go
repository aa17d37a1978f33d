package xray

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrReferralNotFound = errors.New("referral not found")

type ReferralStore interface {
	Create(ctx context.Context, r *Referral) (*Referral, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Referral, error)
}

// MemoryReferralStore backs tests and the simulator.
type MemoryReferralStore struct {
	mu        sync.Mutex
	referrals map[uuid.UUID]*Referral
}

func NewMemoryReferralStore() *MemoryReferralStore {
	return &MemoryReferralStore{referrals: make(map[uuid.UUID]*Referral)}
}

func (s *MemoryReferralStore) Create(_ context.Context, r *Referral) (*Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.referrals[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryReferralStore) GetByID(_ context.Context, id uuid.UUID) (*Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok {
		return nil, ErrReferralNotFound
	}
	cp := *r
	return &cp, nil
}
