package coordinator

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/memfleet/memfleet/contrib/coordstore"
)

type membershipListener interface {
	OnNodeListChanged(nodeNames []string)
}

/*
membershipWatcher consumes one session's child-watch stream for a membership
path and forwards every node list to its listener.  When the stream ends or
the session reports itself lost, the watcher flips dead exactly once and
fires onDead; it never retries on its own, that is the supervisor's job.
*/
type membershipWatcher struct {
	session  coordstore.Session
	path     string
	listener membershipListener
	onDead   func()
	logger   *zap.Logger

	dead atomic.Bool
}

func newMembershipWatcher(session coordstore.Session, path string,
	listener membershipListener, onDead func(), logger *zap.Logger) (*membershipWatcher, error) {
	// the watch lives exactly as long as the session does; cancellation
	// arrives through the session ending, not through a caller context
	watchCh, err := session.WatchChildren(context.Background(), path)
	if err != nil {
		return nil, err
	}

	w := &membershipWatcher{
		session:  session,
		path:     path,
		listener: listener,
		onDead:   onDead,
		logger:   logger,
	}
	go w.watchThread(watchCh)

	return w, nil
}

func (w *membershipWatcher) watchThread(watchCh <-chan []string) {
	for {
		select {
		case nodeNames, ok := <-watchCh:
			if !ok {
				w.markDead()
				return
			}

			w.logger.Debug("membership changed",
				zap.String("path", w.path),
				zap.Int("numNodes", len(nodeNames)))
			w.listener.OnNodeListChanged(nodeNames)
		case <-w.session.Done():
			w.markDead()
			return
		}
	}
}

func (w *membershipWatcher) IsDead() bool {
	return w.dead.Load()
}

func (w *membershipWatcher) markDead() {
	if !w.dead.CompareAndSwap(false, true) {
		return
	}

	w.logger.Warn("membership watcher lost its session", zap.String("path", w.path))
	if w.onDead != nil {
		w.onDead()
	}
}
