package coordstore

import (
	"context"
	"errors"
)

var (
	ErrNodeExists    = errors.New("node already exists")
	ErrSessionClosed = errors.New("session is closed")
)

// Store hands out sessions against a hierarchical coordination service.
type Store interface {
	Connect(ctx context.Context) (Session, error)
}

/*
Session is a single live session against the store.  Ephemeral nodes created
through a session disappear when the session ends.  Done is closed when the
store considers the session lost; after that every call fails with
ErrSessionClosed and a new session must be connected.
*/
type Session interface {
	Exists(ctx context.Context, path string) (bool, error)
	CreateEphemeral(ctx context.Context, path string, data []byte) error
	Children(ctx context.Context, path string) ([]string, error)
	WatchChildren(ctx context.Context, path string) (<-chan []string, error)

	SessionID() string
	Done() <-chan struct{}
	Close() error
}
