package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps payments in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Payment
	byKey map[Key]string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Payment),
		byKey: make(map[Key]string),
		now:   time.Now,
	}
}

func (m *MemoryStore) Record(_ context.Context, p *Payment) (*Payment, bool, error) {
	rec := p.clone()
	rec.syncKey()

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[rec.Key]; ok {
		return m.byID[id].clone(), false, nil
	}

	now := m.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now

	m.byID[rec.ID] = rec
	m.byKey[rec.Key] = rec.ID
	return rec.clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) GetByKey(_ context.Context, key Key) (*Payment, error) {
	key = NewKey(key.Network, key.Asset, key.Payer, key.Nonce)

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.byID[id].clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to State, u Update) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkTransition(p.State, to); err != nil {
		return p.clone(), err
	}

	p.State = to
	if u.TxHash != "" {
		p.TxHash = u.TxHash
	}
	if u.ErrorReason != "" {
		p.ErrorReason = u.ErrorReason
	}
	p.UpdatedAt = m.now().UTC()
	return p.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Payment, error) {
	m.mu.RLock()
	out := make([]*Payment, 0, len(m.byID))
	for _, p := range m.byID {
		if f.matches(p) {
			out = append(out, p.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now().UTC()
	for _, p := range m.byID {
		if p.State != StatePending && p.State != StateVerified {
			continue
		}
		if p.ValidBefore.IsZero() || !p.ValidBefore.Before(t) {
			continue
		}
		p.State = StateExpired
		p.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
