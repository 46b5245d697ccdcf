// Package store provides core.Store implementations: an in-process one
// backed directly by a directory tree, and a websocket client speaking
// to a remote directory server.
package store

import (
	"context"

	"github.com/guardtalk/guardtalk/internal/core"
	"github.com/guardtalk/guardtalk/internal/directory"
)

// MemStore binds one logical client connection to an in-process tree.
// Dev mode and tests run every device against the same Tree, each with
// its own MemStore, so remove-on-disconnect behaves per device.
type MemStore struct {
	tree *directory.Tree
	sess *directory.Session
}

func NewMemStore(tree *directory.Tree) *MemStore {
	return &MemStore{tree: tree, sess: tree.NewSession()}
}

func (s *MemStore) Get(_ context.Context, path string) ([]byte, error) {
	v, ok := s.tree.Get(path)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (s *MemStore) Set(_ context.Context, path string, value []byte) error {
	s.tree.Set(path, value)
	return nil
}

func (s *MemStore) Remove(_ context.Context, path string) error {
	s.tree.Remove(path)
	s.sess.CancelRemoveOnDisconnect(path)
	return nil
}

func (s *MemStore) Push(_ context.Context, path string, value []byte) (string, error) {
	return s.tree.Push(path, value), nil
}

type memSub struct {
	tree *directory.Tree
	id   int
}

func (m *memSub) Close() { m.tree.Unsubscribe(m.id) }

func (s *MemStore) Subscribe(_ context.Context, path string, fn func(core.Event)) (core.Subscription, error) {
	id := s.tree.Subscribe(path, fn)
	return &memSub{tree: s.tree, id: id}, nil
}

func (s *MemStore) RegisterRemoveOnDisconnect(_ context.Context, path string) error {
	s.sess.RegisterRemoveOnDisconnect(path)
	return nil
}

func (s *MemStore) CancelRemoveOnDisconnect(_ context.Context, path string) error {
	s.sess.CancelRemoveOnDisconnect(path)
	return nil
}

// Disconnect simulates an abnormal connection drop: every registered
// remove-on-disconnect path is deleted server-side.
func (s *MemStore) Disconnect() {
	s.sess.Disconnect()
	s.sess = s.tree.NewSession()
}

var _ core.Store = (*MemStore)(nil)
