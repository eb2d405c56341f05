package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// KeyedStore shares expensive values, such as authenticated testbed
// sessions, between resources that present the same key. Values are
// reference counted and closed when the last holder releases them.
type KeyedStore[T io.Closer] struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry[T]
	closed  bool
}

type keyedEntry[T io.Closer] struct {
	value T
	refs  int

	// ready is closed once value (or err) is set.
	ready chan struct{}
	err   error
}

// NewKeyedStore creates an empty store.
func NewKeyedStore[T io.Closer]() *KeyedStore[T] {
	return &KeyedStore[T]{entries: make(map[string]*keyedEntry[T])}
}

// Acquire returns the value stored under key, creating it with create on
// first use. Concurrent acquirers of a key being created wait for the single
// create call. A failed create is not cached.
func (s *KeyedStore[T]) Acquire(key string, create func() (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, errors.New("keyed store is closed")
	}
	if e, ok := s.entries[key]; ok {
		e.refs++
		s.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return zero, e.err
		}
		return e.value, nil
	}

	e := &keyedEntry[T]{refs: 1, ready: make(chan struct{})}
	s.entries[key] = e
	s.mu.Unlock()

	value, err := create()

	s.mu.Lock()
	switch {
	case err != nil:
		e.err = fmt.Errorf("create %s: %w", key, err)
		delete(s.entries, key)
	case s.closed:
		// Close ran while creating; the value has no owner left.
		_ = value.Close()
		err = errors.New("keyed store is closed")
		e.err = err
	default:
		e.value = value
	}
	close(e.ready)
	s.mu.Unlock()

	if err != nil {
		return zero, e.err
	}
	return value, nil
}

// Release drops one reference to key and closes the value when none remain.
func (s *KeyedStore[T]) Release(key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, key)
	s.mu.Unlock()

	<-e.ready
	if e.err != nil {
		return nil
	}
	return e.value.Close()
}

// Refs returns the current reference count of key.
func (s *KeyedStore[T]) Refs(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live keys.
func (s *KeyedStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close closes every stored value regardless of references and rejects
// further acquisitions.
func (s *KeyedStore[T]) Close() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*keyedEntry[T])
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for key, e := range entries {
		<-e.ready
		if e.err != nil {
			continue
		}
		if err := e.value.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
