package coordstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type EtcdStoreOptions struct {
	Endpoints      []string
	SessionTimeout time.Duration
	Logger         *zap.Logger
}

// EtcdStore implements Store over an etcd cluster.  A node is a key; the
// children of a path are the keys directly below it.  Ephemeral nodes are
// keys bound to the session lease, so they vanish when the lease expires.
type EtcdStore struct {
	endpoints      []string
	sessionTimeout time.Duration
	logger         *zap.Logger
}

var _ Store = (*EtcdStore)(nil)

func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	sessionTimeout := opts.SessionTimeout
	if sessionTimeout == 0 {
		sessionTimeout = 15 * time.Second
	}

	// etcd refuses lease periods below 5 seconds
	if sessionTimeout < 5*time.Second {
		return nil, fmt.Errorf("session timeout must be at least 5 seconds")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdStore{
		endpoints:      opts.Endpoints,
		sessionTimeout: sessionTimeout,
		logger:         logger,
	}, nil
}

func (s *EtcdStore) Connect(ctx context.Context) (Session, error) {
	etcdClient, err := etcd.New(etcd.Config{
		Endpoints: s.endpoints,
		Context:   context.Background(),
	})
	if err != nil {
		return nil, err
	}

	// etcd.New does not actually dial, so probe the cluster to get the
	// "connected" signal the caller is waiting on.
	_, err = etcdClient.KV.Get(ctx, "connect-probe")
	if err != nil {
		_ = etcdClient.Close()
		return nil, err
	}

	leaseTimeoutInSecs := int64(s.sessionTimeout / time.Second)
	lease, err := etcdClient.Lease.Grant(ctx, leaseTimeoutInSecs)
	if err != nil {
		_ = etcdClient.Close()
		return nil, err
	}

	leaseKaCh, err := etcdClient.Lease.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		_ = etcdClient.Close()
		return nil, err
	}

	sess := &etcdSession{
		etcdClient: etcdClient,
		leaseID:    lease.ID,
		logger:     s.logger,
		doneCh:     make(chan struct{}),
	}

	go func() {
		// the keep-alive channel closes when the lease can no longer be
		// refreshed, which is the session-loss signal
		for range leaseKaCh {
		}

		close(sess.doneCh)
	}()

	return sess, nil
}

type etcdSession struct {
	etcdClient *etcd.Client
	leaseID    etcd.LeaseID
	logger     *zap.Logger
	doneCh     chan struct{}
}

var _ Session = (*etcdSession)(nil)

func (s *etcdSession) isDone() bool {
	select {
	case <-s.doneCh:
		return true
	default:
		return false
	}
}

func (s *etcdSession) SessionID() string {
	return fmt.Sprintf("%016x", int64(s.leaseID))
}

func (s *etcdSession) Done() <-chan struct{} {
	return s.doneCh
}

func (s *etcdSession) Exists(ctx context.Context, path string) (bool, error) {
	if s.isDone() {
		return false, ErrSessionClosed
	}

	// a node exists if the key itself exists or anything lives below it.
	// these have to be two separate lookups: a bare prefix query on path
	// would also match sibling keys that merely share its byte prefix.
	resp, err := s.etcdClient.KV.Get(ctx, path, etcd.WithCountOnly())
	if err != nil {
		return false, err
	}
	if resp.Count > 0 {
		return true, nil
	}

	resp, err = s.etcdClient.KV.Get(ctx, path+"/", etcd.WithPrefix(), etcd.WithCountOnly())
	if err != nil {
		return false, err
	}

	return resp.Count > 0, nil
}

func (s *etcdSession) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	if s.isDone() {
		return ErrSessionClosed
	}

	resp, err := s.etcdClient.KV.Get(ctx, path, etcd.WithCountOnly())
	if err != nil {
		return err
	}
	if resp.Count > 0 {
		return ErrNodeExists
	}

	_, err = s.etcdClient.KV.Put(ctx, path, string(data), etcd.WithLease(s.leaseID))
	if err != nil {
		return err
	}

	return nil
}

// childNames converts the keys below a path prefix into direct child names,
// skipping anything nested more than one level down.
func childNames(childPrefix string, keys []string) []string {
	var names []string
	for _, key := range keys {
		name := key[len(childPrefix):]
		if strings.Contains(name, "/") {
			continue
		}

		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

func (s *etcdSession) Children(ctx context.Context, path string) ([]string, error) {
	if s.isDone() {
		return nil, ErrSessionClosed
	}

	childPrefix := path + "/"
	resp, err := s.etcdClient.KV.Get(ctx, childPrefix, etcd.WithPrefix(), etcd.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}

	return childNames(childPrefix, keys), nil
}

func (s *etcdSession) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	if s.isDone() {
		return nil, ErrSessionClosed
	}

	childPrefix := path + "/"
	keySet := make(map[string]struct{})

	// fetch the initial state of the children
	resp, err := s.etcdClient.KV.Get(ctx, childPrefix, etcd.WithPrefix(), etcd.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	for _, kv := range resp.Kvs {
		keySet[string(kv.Key)] = struct{}{}
	}

	outputCh := make(chan []string, 1)

	emitKeySet := func() {
		var keys []string
		for key := range keySet {
			keys = append(keys, key)
		}

		outputCh <- childNames(childPrefix, keys)
	}

	// emit the initial child list
	emitKeySet()

	watchCh := s.etcdClient.Watcher.Watch(ctx, childPrefix,
		etcd.WithPrefix(), etcd.WithRev(resp.Header.Revision+1), etcd.WithKeysOnly())
	go func() {
		for {
			watchEvts, ok := <-watchCh
			if !ok {
				close(outputCh)
				break
			}
			if err := watchEvts.Err(); err != nil {
				s.logger.Warn("child watch failed", zap.String("path", path), zap.Error(err))
				close(outputCh)
				break
			}

			for _, watchEvt := range watchEvts.Events {
				switch watchEvt.Type {
				case mvccpb.PUT:
					keySet[string(watchEvt.Kv.Key)] = struct{}{}
				case mvccpb.DELETE:
					delete(keySet, string(watchEvt.Kv.Key))
				}
			}

			emitKeySet()
		}
	}()

	return outputCh, nil
}

func (s *etcdSession) Close() error {
	revokeCtx, revokeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err := s.etcdClient.Lease.Revoke(revokeCtx, s.leaseID)
	revokeCancel()
	if err != nil {
		// the lease expires on its own; closing the client is what matters
		s.logger.Debug("failed to revoke session lease", zap.Error(err))
	}

	return s.etcdClient.Close()
}
