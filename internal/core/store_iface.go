package core

import "context"

// Event is one change notification from a directory subtree.
// Value is nil when the entry was removed.
type Event struct {
	Path  string
	Value []byte
}

type Subscription interface {
	Close()
}

// Store abstracts the shared real-time directory tree. All methods may
// suspend on network I/O and honor ctx cancellation.
//
// Subscribe delivers an initial snapshot of the subtree (one Event per
// existing entry), then incremental changes, in write order per path.
// No ordering is guaranteed across different paths. Delivery is
// at-least-once.
type Store interface {
	// Get returns (nil, nil) when the path is absent.
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	Remove(ctx context.Context, path string) error
	// Push appends value under path with a server-generated key and
	// returns that key. Entries pushed to one path are delivered to
	// subscribers in append order.
	Push(ctx context.Context, path string, value []byte) (string, error)
	Subscribe(ctx context.Context, path string, fn func(Event)) (Subscription, error)
	// RegisterRemoveOnDisconnect arranges for path to be removed by the
	// server if this client's connection terminates abnormally. This is
	// the crash-recovery mechanism for speaker and presence entries.
	RegisterRemoveOnDisconnect(ctx context.Context, path string) error
	// CancelRemoveOnDisconnect drops such a registration without removing
	// the entry, for when the path changed hands and a later crash of
	// this client must not delete it. Remove cancels implicitly.
	CancelRemoveOnDisconnect(ctx context.Context, path string) error
}
