// Package memory is a process-local core.Store, used by tests and the
// memory store driver.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Whiteboard/internal/core"
	"github.com/dkeye/Whiteboard/internal/domain"
)

var _ core.Store = (*Store)(nil)

type Store struct {
	mu      sync.RWMutex
	records map[domain.RoomID]domain.Record
	now     func() time.Time
}

func New() *Store {
	return &Store{records: make(map[domain.RoomID]domain.Record), now: time.Now}
}

func (s *Store) Create(_ context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return domain.ErrRoomExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Members = slices.Clone(rec.Members)
	s.records[rec.ID] = rec
	return nil
}

func (s *Store) Load(_ context.Context, id domain.RoomID) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	rec.Members = slices.Clone(rec.Members)
	return &rec, nil
}

func (s *Store) Save(_ context.Context, id domain.RoomID, canvas json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	rec.Canvas = slices.Clone(canvas)
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

func (s *Store) Delete(_ context.Context, id domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *Store) AddMember(_ context.Context, id domain.RoomID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	if !slices.Contains(rec.Members, user) {
		rec.Members = append(slices.Clone(rec.Members), user)
		s.records[id] = rec
	}
	return nil
}

func (s *Store) RemoveMember(_ context.Context, id domain.RoomID, user domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ErrRoomNotFound
	}
	rec.Members = slices.DeleteFunc(slices.Clone(rec.Members), func(u domain.UserID) bool { return u == user })
	s.records[id] = rec
	return nil
}

func (s *Store) Close() error { return nil }
