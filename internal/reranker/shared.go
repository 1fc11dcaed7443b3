package reranker

import (
	"errors"
	"sync"
)

var errSharedClosed = errors.New("shared cross-encoder closed")

// Shared is a process-lifetime holder for a cross-encoder. The encoder is
// built on first Acquire, reused by every later caller, and closed only
// after Close once no caller holds a reference.
type Shared struct {
	mu      sync.Mutex
	init    func() (CrossEncoder, error)
	encoder CrossEncoder
	initErr error
	loaded  bool
	refs    int
	closed  bool
}

// NewShared wraps an encoder constructor
func NewShared(init func() (CrossEncoder, error)) *Shared {
	return &Shared{init: init}
}

// Acquire returns the encoder and a release func that must be called once
// the caller is done with it. A failed initialization is remembered.
func (s *Shared) Acquire() (CrossEncoder, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, errSharedClosed
	}
	if !s.loaded {
		s.loaded = true
		if s.init == nil {
			s.initErr = ErrUnavailable
		} else {
			s.encoder, s.initErr = s.init()
			if s.initErr == nil && s.encoder == nil {
				s.initErr = ErrUnavailable
			}
		}
	}
	if s.initErr != nil {
		return nil, nil, s.initErr
	}

	s.refs++
	var once sync.Once
	return s.encoder, func() { once.Do(s.release) }, nil
}

func (s *Shared) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.closed && s.refs == 0 {
		s.closeEncoder()
	}
}

// Refs returns the number of outstanding references
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Close stops handing out the encoder and closes it once released
func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.refs == 0 {
		return s.closeEncoder()
	}
	return nil
}

func (s *Shared) closeEncoder() error {
	if s.encoder == nil {
		return nil
	}
	err := s.encoder.Close()
	s.encoder = nil
	return err
}
