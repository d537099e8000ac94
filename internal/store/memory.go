package store

import (
	"context"
	"sort"
	"sync"
)

// MemorySessionStore keeps encoded snapshots in process. Used when Redis is not configured.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string][]byte)}
}

func (m *MemorySessionStore) Save(_ context.Context, rec SessionRecord) error {
	payload, err := encodeSession(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.Snapshot.ID] = payload
	return nil
}

func (m *MemorySessionStore) Load(_ context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	raw, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeSession(raw)
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// MemoryReceiptRepository keeps receipts in process. Used when no database is configured.
type MemoryReceiptRepository struct {
	mu       sync.RWMutex
	receipts map[string]StoredReceipt
}

func NewMemoryReceiptRepository() *MemoryReceiptRepository {
	return &MemoryReceiptRepository{receipts: make(map[string]StoredReceipt)}
}

func receiptKey(owner, id string) string { return owner + "\x00" + id }

func (m *MemoryReceiptRepository) SaveReceipt(_ context.Context, r StoredReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := receiptKey(r.Owner, r.Receipt.ID)
	if _, exists := m.receipts[key]; exists {
		return nil
	}
	m.receipts[key] = r
	return nil
}

func (m *MemoryReceiptRepository) GetReceipt(_ context.Context, owner, id string) (*StoredReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[receiptKey(owner, id)]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return &r, nil
}

func (m *MemoryReceiptRepository) ListReceipts(_ context.Context, owner string, limit int) ([]StoredReceipt, error) {
	m.mu.RLock()
	var out []StoredReceipt
	for _, r := range m.receipts {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Receipt.CreatedAt.After(out[j].Receipt.CreatedAt) })
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
