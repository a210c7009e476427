// Copyright 2024-2026 Aiku AI

// Package identitystore persists the mapping between Matrix users/rooms and
// their WeChat counterparts. Records carry free-form JSON metadata which can
// be filtered with dot-separated field paths.
package identitystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned by Get when no record exists for the id.
	ErrNotFound = errors.New("record not found")
	// ErrStoreUnavailable wraps every backend I/O failure.
	ErrStoreUnavailable = errors.New("identity store unavailable")
)

// Scope selects the record namespace.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeRoom Scope = "room"
)

// Backend is the raw key/value persistence contract. Put must be atomic per
// record.
type Backend interface {
	Put(ctx context.Context, scope Scope, id string, raw []byte) error
	Get(ctx context.Context, scope Scope, id string) ([]byte, error)
	Scan(ctx context.Context, scope Scope, fn func(raw []byte) error) error
	Close() error
}

// Store is the typed view over a Backend.
type Store struct {
	backend Backend
	log     zerolog.Logger
}

// New creates a Store on top of the given backend.
func New(backend Backend, log zerolog.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log.With().Str("component", "identity_store").Logger(),
	}
}

func (s *Store) PutUser(ctx context.Context, rec *Record) error {
	return s.put(ctx, ScopeUser, rec)
}

func (s *Store) GetUser(ctx context.Context, id string) (*Record, error) {
	return s.get(ctx, ScopeUser, id)
}

func (s *Store) PutRoom(ctx context.Context, rec *Record) error {
	return s.put(ctx, ScopeRoom, rec)
}

func (s *Store) GetRoom(ctx context.Context, id string) (*Record, error) {
	return s.get(ctx, ScopeRoom, id)
}

// Query returns every record in scope matching all fields of q. An empty
// query returns no records rather than the whole scope.
func (s *Store) Query(ctx context.Context, scope Scope, q Query) ([]*Record, error) {
	if len(q) == 0 {
		s.log.Debug().Str("scope", string(scope)).Msg("Ignoring empty store query")
		return nil, nil
	}
	var matches []*Record
	err := s.backend.Scan(ctx, scope, func(raw []byte) error {
		if !q.Match(raw) {
			return nil
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		matches = append(matches, rec)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return matches, nil
}

// QueryOne returns the first match of q, or ErrNotFound.
func (s *Store) QueryOne(ctx context.Context, scope Scope, q Query) (*Record, error) {
	matches, err := s.Query(ctx, scope, q)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	if len(matches) > 1 {
		s.log.Warn().
			Str("scope", string(scope)).
			Int("count", len(matches)).
			Msg("Store query matched more than one record, using the first")
	}
	return matches[0], nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, scope Scope, rec *Record) error {
	raw, err := rec.encode()
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, scope, rec.ID, raw); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, scope Scope, id string) (*Record, error) {
	raw, err := s.backend.Get(ctx, scope, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, unavailable(err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, unavailable(err)
	}
	return rec, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
