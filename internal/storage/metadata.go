package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"imagestore/internal/models"
)

// MetadataStore keeps one ImageRecord per UUID.
type MetadataStore interface {
	// Put inserts a new record. It fails if the UUID is already present.
	Put(ctx context.Context, rec *models.ImageRecord) error
	// Get returns models.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*models.ImageRecord, error)
	Delete(ctx context.Context, id string) (bool, error)
	// ListByOwner returns the owner's records, newest first.
	ListByOwner(ctx context.Context, q models.ListQuery) ([]models.ImageRecord, error)
}

// MemoryMetadata is a MetadataStore kept in process memory.
type MemoryMetadata struct {
	mu      sync.RWMutex
	records map[string]models.ImageRecord
}

func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{records: make(map[string]models.ImageRecord)}
}

func (m *MemoryMetadata) Put(_ context.Context, rec *models.ImageRecord) error {
	const op = "storage.MemoryMetadata.Put"

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.UUID]; ok {
		return fmt.Errorf("%s: record %s already exists", op, rec.UUID)
	}
	m.records[rec.UUID] = *rec
	return nil
}

func (m *MemoryMetadata) Get(_ context.Context, id string) (*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("storage.MemoryMetadata.Get: image %s: %w", id, models.ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryMetadata) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *MemoryMetadata) ListByOwner(_ context.Context, q models.ListQuery) ([]models.ImageRecord, error) {
	m.mu.RLock()
	out := make([]models.ImageRecord, 0)
	for _, rec := range m.records {
		if rec.OwnerKey != q.OwnerKey {
			continue
		}
		if q.PathPrefix != "" && !strings.HasPrefix(rec.UserPath, q.PathPrefix) {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadTime.Equal(out[j].UploadTime) {
			return out[i].UUID < out[j].UUID
		}
		return out[i].UploadTime.After(out[j].UploadTime)
	})
	return page(out, q.Offset, q.Limit), nil
}

func page(recs []models.ImageRecord, offset, limit int) []models.ImageRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []models.ImageRecord{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
