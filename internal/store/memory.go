package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

// MemoryStore is an in-memory Store used in tests and local development.
type MemoryStore struct {
	mu            sync.RWMutex
	distributions map[string]models.Distribution
	origins       map[string]models.Origin
	functions     map[string]models.EdgeFunction
	history       []models.HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		distributions: map[string]models.Distribution{},
		origins:       map[string]models.Origin{},
		functions:     map[string]models.EdgeFunction{},
	}
}

func (m *MemoryStore) CreateDistribution(ctx context.Context, d models.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	m.distributions[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDistribution(ctx context.Context, id string) (models.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.distributions[id]
	if !ok {
		return models.Distribution{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDistributions(ctx context.Context) ([]models.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Distribution, 0, len(m.distributions))
	for _, d := range m.distributions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPendingDistributions(ctx context.Context) ([]models.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Distribution
	for _, d := range m.distributions {
		if d.Status.Pending() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateDistribution(ctx context.Context, d models.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.distributions[d.ID]; !ok {
		return ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	m.distributions[d.ID] = d
	return nil
}

func (m *MemoryStore) UpdateDistributionStatus(ctx context.Context, id string, status models.Status, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.distributions[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.Version = version
	d.UpdatedAt = time.Now().UTC()
	m.distributions[id] = d
	return nil
}

func (m *MemoryStore) DeleteDistribution(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.distributions[id]; !ok {
		return ErrNotFound
	}
	delete(m.distributions, id)
	return nil
}

func (m *MemoryStore) CreateOrigin(ctx context.Context, o models.Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Version == 0 {
		o.Version = 1
	}
	m.origins[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOrigin(ctx context.Context, id string) (models.Origin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.origins[id]
	if !ok {
		return models.Origin{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) ListOrigins(ctx context.Context) ([]models.Origin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Origin, 0, len(m.origins))
	for _, o := range m.origins {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateOrigin(ctx context.Context, o models.Origin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.origins[o.ID]; !ok {
		return ErrNotFound
	}
	o.UpdatedAt = time.Now().UTC()
	m.origins[o.ID] = o
	return nil
}

func (m *MemoryStore) UpdateOriginARNs(ctx context.Context, id string, arns []string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.origins[id]
	if !ok {
		return ErrNotFound
	}
	if o.Version != expectedVersion {
		return ErrConflict
	}
	o.DistributionARNs = append([]string(nil), arns...)
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	m.origins[id] = o
	return nil
}

func (m *MemoryStore) DeleteOrigin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.origins[id]; !ok {
		return ErrNotFound
	}
	delete(m.origins, id)
	return nil
}

func (m *MemoryStore) PutEdgeFunction(ctx context.Context, f models.EdgeFunction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	m.functions[f.ID] = f
	return nil
}

func (m *MemoryStore) GetEdgeFunction(ctx context.Context, id string) (models.EdgeFunction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.functions[id]
	if !ok {
		return models.EdgeFunction{}, ErrNotFound
	}
	return f, nil
}

func (m *MemoryStore) DeleteEdgeFunction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.functions[id]; !ok {
		return ErrNotFound
	}
	delete(m.functions, id)
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.history = append(m.history, e)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, distributionID string) ([]models.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HistoryEntry
	for _, e := range m.history {
		if e.DistributionID == distributionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
