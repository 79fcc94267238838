// Package memory keeps archived dead letters in process memory.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"garagecore/internal/blob/core"
)

type entry struct {
	rec core.Record
	doc []byte
}

// Store is a map-backed core.Archive.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// New returns an empty archive.
func New() *Store {
	return &Store{entries: make(map[string]entry), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Write(ctx context.Context, key string, doc []byte, labels map[string]string) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return core.Record{}, err
	}
	key, err := core.CheckKey(key)
	if err != nil {
		return core.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.entries[key]; taken {
		return core.Record{}, fmt.Errorf("%s: %w", key, core.ErrExists)
	}
	rec := core.Record{
		Key:        key,
		Labels:     core.CloneLabels(labels),
		Size:       int64(len(doc)),
		Checksum:   core.Checksum(doc),
		ArchivedAt: s.now(),
	}
	s.entries[key] = entry{rec: rec, doc: bytes.Clone(doc)}
	return copyRecord(rec), nil
}

func (s *Store) Read(_ context.Context, key string) (core.Record, []byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return core.Record{}, nil, fmt.Errorf("%s: %w", key, core.ErrNotFound)
	}
	return copyRecord(e.rec), bytes.Clone(e.doc), nil
}

func (s *Store) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

// Scan returns records under prefix in key order.
func (s *Store) Scan(_ context.Context, prefix string) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Record
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, copyRecord(e.rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copyRecord(r core.Record) core.Record {
	r.Labels = core.CloneLabels(r.Labels)
	return r
}
