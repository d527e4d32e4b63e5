package docstore

import (
	"context"
	"sync"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

// MemoryStore keeps documents in maps. Used for tests and local runs
// without Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
	buses map[string]*models.Bus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*models.User), buses: make(map[string]*models.Bus)}
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.Subscriptions = append([]models.Subscription(nil), u.Subscriptions...)
	return &cp, nil
}

func (m *MemoryStore) GetBus(ctx context.Context, id string) (*models.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Roster = append([]models.RosterEntry(nil), b.Roster...)
	cp.Stops = append([]models.Stop(nil), b.Stops...)
	return &cp, nil
}

func (m *MemoryStore) PutUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.Subscriptions = append([]models.Subscription(nil), u.Subscriptions...)
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) PutBus(ctx context.Context, b *models.Bus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	cp.Roster = append([]models.RosterEntry(nil), b.Roster...)
	cp.Stops = append([]models.Stop(nil), b.Stops...)
	m.buses[b.ID] = &cp
	return nil
}

func (m *MemoryStore) AppendSubscription(ctx context.Context, userID string, sub models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Subscriptions = append(u.Subscriptions, sub)
	return nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, userID string, sub models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	for i := range u.Subscriptions {
		if u.Subscriptions[i].SubscriptionID == sub.SubscriptionID {
			u.Subscriptions[i] = sub
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RemoveSubscription(ctx context.Context, userID, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	out := u.Subscriptions[:0]
	for _, s := range u.Subscriptions {
		if s.SubscriptionID != subscriptionID {
			out = append(out, s)
		}
	}
	u.Subscriptions = out
	return nil
}

func (m *MemoryStore) AddRosterEntry(ctx context.Context, busID string, e models.RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return ErrNotFound
	}
	b.Roster = append(b.Roster, e)
	return nil
}

func (m *MemoryStore) UpdateRosterEntry(ctx context.Context, busID string, e models.RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return ErrNotFound
	}
	for i := range b.Roster {
		if b.Roster[i].SubscriptionID == e.SubscriptionID {
			b.Roster[i] = e
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RemoveRosterEntry(ctx context.Context, busID, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return ErrNotFound
	}
	out := b.Roster[:0]
	for _, e := range b.Roster {
		if e.SubscriptionID != subscriptionID {
			out = append(out, e)
		}
	}
	b.Roster = out
	return nil
}
