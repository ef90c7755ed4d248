package discovery

// etcd works as the membership phonebook:
//
//	Key:   <prefix>/<ROLE>/<ip:port>
//	Value: JSON-encoded identity.Node
//
// Registration uses a TTL lease kept alive in the background. If this process
// dies, the lease expires and every watcher sees a DELETE.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"rpc-gateway/config"
	"rpc-gateway/identity"
	"rpc-gateway/logging"
)

// Etcd is the etcd v3 membership backend.
type Etcd struct {
	cfg config.DiscoveryConfig
	log *zap.Logger
}

// NewEtcd creates the backend. No connection is made before Run.
func NewEtcd(cfg config.DiscoveryConfig, log *zap.Logger) *Etcd {
	return &Etcd{cfg: cfg, log: logging.OrNop(log).Named("discovery")}
}

// Run connects, registers self under a lease, delivers the current members
// and starts watching the prefix.
func (e *Etcd) Run(ctx context.Context, self identity.Node, l Listener) (Session, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   e.cfg.Endpoints,
		DialTimeout: e.cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := newEtcdSession(e.cfg.Prefix, self, l, e.log)
	s.cli = cli
	s.ctx, s.cancel = sctx, cancel
	s.ttl = e.cfg.LeaseTTL

	if err := s.register(ctx); err != nil {
		cancel()
		cli.Close()
		return nil, err
	}
	rev, err := s.resync(ctx)
	if err != nil {
		cancel()
		s.revoke()
		cli.Close()
		return nil, err
	}

	s.wg.Add(2)
	go s.watch(sctx, rev+1)
	go s.resyncLoop(sctx, e.cfg.Resync)
	return s, nil
}

type etcdSession struct {
	prefix string
	self   identity.Node
	l      Listener
	log    *zap.Logger

	cli    *clientv3.Client
	ttl    int64
	ctx    context.Context // done once Stop is called
	cancel context.CancelFunc
	wg     sync.WaitGroup

	leaseMu sync.Mutex
	lease   clientv3.LeaseID

	mu    sync.Mutex
	known map[string]identity.Node // keyed by etcd key
}

func newEtcdSession(prefix string, self identity.Node, l Listener, log *zap.Logger) *etcdSession {
	return &etcdSession{
		prefix: strings.TrimSuffix(prefix, "/"),
		self:   self,
		l:      l,
		log:    log,
		known:  make(map[string]identity.Node),
	}
}

func (s *etcdSession) key(n identity.Node) string {
	return s.prefix + "/" + n.Role + "/" + n.ID()
}

// register grants a lease, puts self under it and keeps it alive. Retried
// because etcd may still be electing a leader when the gateway starts.
func (s *etcdSession) register(ctx context.Context) error {
	val, err := json.Marshal(s.self)
	if err != nil {
		return err
	}
	return retry.Do(func() error {
		lease, err := s.cli.Grant(ctx, s.ttl)
		if err != nil {
			return err
		}
		if _, err := s.cli.Put(ctx, s.key(s.self), string(val), clientv3.WithLease(lease.ID)); err != nil {
			return err
		}
		// KeepAlive outlives ctx, which only bounds registration.
		ch, err := s.cli.KeepAlive(context.Background(), lease.ID)
		if err != nil {
			return err
		}
		s.leaseMu.Lock()
		s.lease = lease.ID
		s.leaseMu.Unlock()

		s.wg.Add(1)
		go s.drainKeepAlive(ch)
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn("register retry", zap.Uint("attempt", n), zap.Error(err))
		}),
	)
}

// drainKeepAlive consumes lease renewals. The channel closes when the lease
// is lost or the client closes; a lost lease is registered again.
func (s *etcdSession) drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer s.wg.Done()
	for range ch {
	}
	if s.ctx.Err() != nil {
		return
	}
	s.log.Warn("lease lost, registering again", zap.Stringer("self", s.self))
	if err := s.register(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("register failed", zap.Error(err))
	}
}

// resync lists the prefix and reconciles the known set with it. It returns
// the store revision of the listing.
func (s *etcdSession) resync(ctx context.Context) (int64, error) {
	resp, err := s.cli.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("etcd list: %w", err)
	}
	current := make(map[string]identity.Node, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n identity.Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			s.log.Warn("skip malformed node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		current[string(kv.Key)] = n
	}
	s.reconcile(current)
	return resp.Header.Revision, nil
}

// reconcile joins nodes missing from the known set and leaves the ones no
// longer present.
func (s *etcdSession) reconcile(current map[string]identity.Node) {
	var joined, left []identity.Node
	s.mu.Lock()
	for k, n := range current {
		if n == s.self {
			continue
		}
		if _, ok := s.known[k]; !ok {
			s.known[k] = n
			joined = append(joined, n)
		}
	}
	for k, n := range s.known {
		if _, ok := current[k]; !ok {
			delete(s.known, k)
			left = append(left, n)
		}
	}
	s.mu.Unlock()

	for _, n := range left {
		s.l.Leave(n)
	}
	for _, n := range joined {
		s.l.Join(n)
	}
}

func (s *etcdSession) put(key string, value []byte) {
	var n identity.Node
	if err := json.Unmarshal(value, &n); err != nil {
		s.log.Warn("skip malformed node", zap.String("key", key), zap.Error(err))
		return
	}
	if n == s.self {
		return
	}
	s.mu.Lock()
	_, ok := s.known[key]
	s.known[key] = n
	s.mu.Unlock()
	if !ok {
		s.l.Join(n)
	}
}

func (s *etcdSession) delete(key string) {
	s.mu.Lock()
	n, ok := s.known[key]
	delete(s.known, key)
	s.mu.Unlock()
	if ok {
		s.l.Leave(n)
	}
}

// watch applies watch events from rev. A broken watch (compaction, lost
// connection) is followed by a full resync and a new watch.
func (s *etcdSession) watch(ctx context.Context, rev int64) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		wctx, wcancel := context.WithCancel(ctx)
		wch := s.cli.Watch(wctx, s.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.log.Warn("watch broken", zap.Error(err))
				break
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					s.put(string(ev.Kv.Key), ev.Kv.Value)
				case clientv3.EventTypeDelete:
					s.delete(string(ev.Kv.Key))
				}
			}
		}
		wcancel()
		if ctx.Err() != nil {
			return
		}
		next, err := s.resync(ctx)
		if err != nil {
			s.log.Warn("resync failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		rev = next + 1
	}
}

func (s *etcdSession) resyncLoop(ctx context.Context, every time.Duration) {
	defer s.wg.Done()
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.resync(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("resync failed", zap.Error(err))
			}
		}
	}
}

// NodeDisconnected forgets node, so the next resync joins it again if its
// key is still registered.
func (s *etcdSession) NodeDisconnected(node identity.Node) {
	s.mu.Lock()
	delete(s.known, s.key(node))
	s.mu.Unlock()
	s.log.Info("node disconnected", zap.Stringer("node", node))
}

func (s *etcdSession) revoke() {
	s.leaseMu.Lock()
	lease := s.lease
	s.leaseMu.Unlock()
	if lease == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.cli.Revoke(ctx, lease); err != nil {
		s.log.Warn("lease revoke failed", zap.Error(err))
	}
}

// Stop revokes the lease, which removes self from every watcher, and closes
// the client.
func (s *etcdSession) Stop() error {
	s.cancel()
	s.revoke()
	err := s.cli.Close()
	s.wg.Wait()
	return err
}
