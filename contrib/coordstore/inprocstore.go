package coordstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// InProcStore is an in-memory Store used by tests and the dev tooling.  It
// models the same hierarchy as the etcd backend: persistent nodes survive
// sessions, ephemeral nodes are dropped when their owning session ends.
type InProcStore struct {
	lock            sync.Mutex
	nodes           map[string][]byte
	sessions        []*inProcSession
	nextSessionID   uint64
	connectAttempts int

	connectErr   error
	connectDelay time.Duration
}

var _ Store = (*InProcStore)(nil)

func NewInProcStore() *InProcStore {
	return &InProcStore{
		nodes: make(map[string][]byte),
	}
}

// CreateNode adds a persistent node, signalling any child watchers.
func (s *InProcStore) CreateNode(path string, data []byte) {
	s.lock.Lock()
	s.nodes[path] = data
	s.signalChildrenChangedLocked(parentPath(path))
	s.lock.Unlock()
}

// DeleteNode removes a node regardless of which session owns it.
func (s *InProcStore) DeleteNode(path string) {
	s.lock.Lock()
	delete(s.nodes, path)
	s.signalChildrenChangedLocked(parentPath(path))
	s.lock.Unlock()
}

// NodeExists reports whether a node is present, for test assertions.
func (s *InProcStore) NodeExists(path string) bool {
	s.lock.Lock()
	_, ok := s.nodes[path]
	s.lock.Unlock()
	return ok
}

// ChildNames lists the direct children of a path, for test assertions.
func (s *InProcStore) ChildNames(path string) []string {
	s.lock.Lock()
	names := s.childrenLocked(path)
	s.lock.Unlock()
	return names
}

// SetConnectError forces subsequent Connect calls to fail.
func (s *InProcStore) SetConnectError(err error) {
	s.lock.Lock()
	s.connectErr = err
	s.lock.Unlock()
}

// SetConnectDelay makes subsequent Connect calls stall, so callers can
// exercise their connect-timeout handling.
func (s *InProcStore) SetConnectDelay(delay time.Duration) {
	s.lock.Lock()
	s.connectDelay = delay
	s.lock.Unlock()
}

// KillSessions simulates the store expiring every live session.
func (s *InProcStore) KillSessions() {
	s.lock.Lock()
	sessions := s.sessions
	s.sessions = nil
	for _, sess := range sessions {
		s.expireSessionLocked(sess)
	}
	s.lock.Unlock()
}

// ConnectAttempts reports how many Connect calls have been made, for test
// assertions about retry pacing.
func (s *InProcStore) ConnectAttempts() int {
	s.lock.Lock()
	attempts := s.connectAttempts
	s.lock.Unlock()
	return attempts
}

// LiveSessions reports how many sessions are currently open.
func (s *InProcStore) LiveSessions() int {
	s.lock.Lock()
	count := len(s.sessions)
	s.lock.Unlock()
	return count
}

func (s *InProcStore) Connect(ctx context.Context) (Session, error) {
	s.lock.Lock()
	s.connectAttempts++
	connectErr := s.connectErr
	connectDelay := s.connectDelay
	s.lock.Unlock()

	if connectDelay > 0 {
		select {
		case <-time.After(connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.lock.Lock()
	s.nextSessionID++
	sess := &inProcSession{
		parent: s,
		id:     s.nextSessionID,
		doneCh: make(chan struct{}),
	}
	s.sessions = append(s.sessions, sess)
	s.lock.Unlock()

	return sess, nil
}

func parentPath(path string) string {
	slashIdx := strings.LastIndex(path, "/")
	if slashIdx <= 0 {
		return "/"
	}
	return path[:slashIdx]
}

func (s *InProcStore) childrenLocked(path string) []string {
	childPrefix := path + "/"

	var names []string
	for nodePath := range s.nodes {
		if !strings.HasPrefix(nodePath, childPrefix) {
			continue
		}

		name := nodePath[len(childPrefix):]
		if strings.Contains(name, "/") {
			continue
		}

		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

func (s *InProcStore) signalChildrenChangedLocked(path string) {
	names := s.childrenLocked(path)
	for _, sess := range s.sessions {
		for _, w := range sess.watchers {
			if w.path != path {
				continue
			}

			w.ch <- names
		}
	}
}

func (s *InProcStore) expireSessionLocked(sess *inProcSession) {
	if sess.closed {
		return
	}
	sess.closed = true

	for _, path := range sess.ephemerals {
		delete(s.nodes, path)
		s.signalChildrenChangedLocked(parentPath(path))
	}
	sess.ephemerals = nil

	for _, w := range sess.watchers {
		close(w.ch)
	}
	sess.watchers = nil

	close(sess.doneCh)
}

type inProcChildWatcher struct {
	path string
	ch   chan []string
}

type inProcSession struct {
	parent *InProcStore
	id     uint64
	doneCh chan struct{}

	// the fields below are guarded by the parent store's lock
	closed     bool
	ephemerals []string
	watchers   []*inProcChildWatcher
}

var _ Session = (*inProcSession)(nil)

func (s *inProcSession) SessionID() string {
	return strconv.FormatUint(s.id, 16)
}

func (s *inProcSession) Done() <-chan struct{} {
	return s.doneCh
}

func (s *inProcSession) Exists(ctx context.Context, path string) (bool, error) {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}

	if _, ok := s.parent.nodes[path]; ok {
		return true, nil
	}

	// like the etcd backend, a path with children exists even without a
	// node of its own
	childPrefix := path + "/"
	for nodePath := range s.parent.nodes {
		if strings.HasPrefix(nodePath, childPrefix) {
			return true, nil
		}
	}

	return false, nil
}

func (s *inProcSession) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if _, ok := s.parent.nodes[path]; ok {
		return ErrNodeExists
	}

	s.parent.nodes[path] = data
	s.ephemerals = append(s.ephemerals, path)
	s.parent.signalChildrenChangedLocked(parentPath(path))

	return nil
}

func (s *inProcSession) Children(ctx context.Context, path string) ([]string, error) {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	return s.parent.childrenLocked(path), nil
}

func (s *inProcSession) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	w := &inProcChildWatcher{
		path: path,
		// buffered so updates never block the mutator inside the lock
		ch: make(chan []string, 16),
	}
	w.ch <- s.parent.childrenLocked(path)
	s.watchers = append(s.watchers, w)

	return w.ch, nil
}

func (s *inProcSession) Close() error {
	s.parent.lock.Lock()

	sessIdx := slices.Index(s.parent.sessions, s)
	if sessIdx >= 0 {
		s.parent.sessions = slices.Delete(s.parent.sessions, sessIdx, sessIdx+1)
	}
	s.parent.expireSessionLocked(s)

	s.parent.lock.Unlock()

	return nil
}
