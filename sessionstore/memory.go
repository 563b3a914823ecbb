// Package sessionstore provides pkceclient.Store implementations.
package sessionstore

import (
	"context"
	"sync"

	"lds.li/oauth2pkce/pkceclient"
)

// Memory is a simple in-memory session store.
type Memory struct {
	mu   sync.RWMutex
	sess *pkceclient.Session
}

var _ pkceclient.Store = (*Memory)(nil)

func (m *Memory) Load(context.Context) (*pkceclient.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess.Clone(), nil
}

func (m *Memory) Save(_ context.Context, s *pkceclient.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = s.Clone()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess = nil
	return nil
}

// WriteThrough caches another Store in memory. Once the underlying store has
// been read, later loads are served from memory.
//
// WriteThrough is useful when the underlying store is slow or otherwise
// expensive to read.
type WriteThrough struct {
	pkceclient.Store

	mu     sync.Mutex
	loaded bool
	sess   *pkceclient.Session
}

var _ pkceclient.Store = (*WriteThrough)(nil)

func (w *WriteThrough) Load(ctx context.Context) (*pkceclient.Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.loaded {
		return w.sess.Clone(), nil
	}
	s, err := w.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	w.sess, w.loaded = s.Clone(), true
	return s, nil
}

func (w *WriteThrough) Save(ctx context.Context, s *pkceclient.Session) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.Store.Save(ctx, s); err != nil {
		return err
	}
	w.sess, w.loaded = s.Clone(), true
	return nil
}

func (w *WriteThrough) Clear(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.Store.Clear(ctx); err != nil {
		return err
	}
	w.sess, w.loaded = nil, true
	return nil
}
