// Package memory provides a mutex-guarded in-memory upload store. It backs
// local runs and tests; production uses the postgres store.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/echolabs/audiopipe/internal/upload"
)

type Store struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*upload.Upload
	byUUID map[string]int64
}

func New() *Store {
	return &Store{
		nextID: 1,
		byID:   make(map[int64]*upload.Upload),
		byUUID: make(map[string]int64),
	}
}

func (s *Store) Create(ctx context.Context, u *upload.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		u.ID = s.nextID
		s.nextID++
	} else if u.ID >= s.nextID {
		s.nextID = u.ID + 1
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	u.Version = 1

	stored := *u
	s.byID[u.ID] = &stored
	if u.UUID != "" {
		s.byUUID[u.UUID] = u.ID
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (*upload.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.byID[id]
	if !ok {
		return nil, upload.ErrNotFound
	}
	copy := *stored
	return &copy, nil
}

func (s *Store) GetByUUID(ctx context.Context, uuid string) (*upload.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUUID[uuid]
	if !ok {
		return nil, upload.ErrNotFound
	}
	copy := *s.byID[id]
	return &copy, nil
}

// Update writes u back only if its Version still matches the stored record,
// then bumps the version. A mismatch means another writer won the race.
func (s *Store) Update(ctx context.Context, u *upload.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[u.ID]
	if !ok {
		return upload.ErrNotFound
	}
	if stored.Version != u.Version {
		return upload.ErrVersionConflict
	}
	u.Version++
	copy := *u
	s.byID[u.ID] = &copy
	return nil
}

func (s *Store) FindByStatus(ctx context.Context, status upload.Status, limit int) ([]*upload.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*upload.Upload
	for _, stored := range s.byID {
		if stored.ProcessingStatus == status {
			copy := *stored
			out = append(out, &copy)
		}
	}
	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindStuck(ctx context.Context, statuses []upload.Status, cutoff time.Time, limit int) ([]*upload.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*upload.Upload
	for _, stored := range s.byID {
		if !slices.Contains(statuses, stored.ProcessingStatus) {
			continue
		}
		if stored.UpdatedAt.After(cutoff) {
			continue
		}
		copy := *stored
		out = append(out, &copy)
	}
	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreatedAt(uploads []*upload.Upload) {
	slices.SortFunc(uploads, func(a, b *upload.Upload) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return int(a.ID - b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
}
